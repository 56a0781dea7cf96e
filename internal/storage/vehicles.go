package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// --- Users ---

// CreateUser stores a user, generating the ID and bearer token when unset.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Token == "" {
		u.Token = uuid.New().String()
	}
	u.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, token, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Token, formatTime(u.CreatedAt),
	)
	if err != nil {
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id, token, created_at FROM users WHERE id = ?`, id))
}

// UserByToken resolves a bearer token to its user.
func (s *Store) UserByToken(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrNotFound
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id, token, created_at FROM users WHERE token = ?`, token))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Token, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// --- Vehicles ---

const vehicleColumns = `id, user_id, year, make, model, mileage, engine_type, transmission_type,
	drivetrain, fuel_type, replacements, created_at, updated_at`

func (s *Store) CreateVehicle(ctx context.Context, v Vehicle) (Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Replacements == nil {
		v.Replacements = []string{}
	}
	v.CreatedAt = nowUTC()
	v.UpdatedAt = v.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vehicles (`+vehicleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Year, v.Make, v.Model, v.Mileage, v.EngineType, v.TransmissionType,
		v.Drivetrain, v.FuelType, encodeStrings(v.Replacements), formatTime(v.CreatedAt), formatTime(v.UpdatedAt),
	)
	if err != nil {
		return Vehicle{}, fmt.Errorf("inserting vehicle: %w", err)
	}
	return v, nil
}

func (s *Store) GetVehicle(ctx context.Context, id string) (Vehicle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id)
	v, err := scanVehicle(row)
	if err == sql.ErrNoRows {
		return Vehicle{}, ErrNotFound
	}
	return v, err
}

func (s *Store) ListVehicles(ctx context.Context, userID string) ([]Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func scanVehicle(row scanner) (Vehicle, error) {
	var v Vehicle
	var replacements, createdAt, updatedAt string
	if err := row.Scan(&v.ID, &v.UserID, &v.Year, &v.Make, &v.Model, &v.Mileage, &v.EngineType,
		&v.TransmissionType, &v.Drivetrain, &v.FuelType, &replacements, &createdAt, &updatedAt); err != nil {
		return Vehicle{}, err
	}
	var err error
	if v.Replacements, err = decodeStrings("replacements", replacements); err != nil {
		return Vehicle{}, err
	}
	if v.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Vehicle{}, err
	}
	if v.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Vehicle{}, err
	}
	return v, nil
}

// UpdateVehicleAttributes writes the non-empty fields of attrs. An empty
// update is a no-op and does not touch updated_at.
func (s *Store) UpdateVehicleAttributes(ctx context.Context, id string, attrs VehicleAttributes) error {
	if attrs.Empty() {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE vehicles SET
			engine_type       = COALESCE(NULLIF(?, ''), engine_type),
			transmission_type = COALESCE(NULLIF(?, ''), transmission_type),
			drivetrain        = COALESCE(NULLIF(?, ''), drivetrain),
			fuel_type         = COALESCE(NULLIF(?, ''), fuel_type),
			updated_at        = ?
		WHERE id = ?`,
		attrs.EngineType, attrs.TransmissionType, attrs.Drivetrain, attrs.FuelType,
		formatTime(nowUTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating vehicle attributes: %w", err)
	}
	return affectedOne(res)
}

// SetReplacements replaces the stored replacement list.
func (s *Store) SetReplacements(ctx context.Context, id string, items []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET replacements = ?, updated_at = ? WHERE id = ?`,
		encodeStrings(items), formatTime(nowUTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating replacements: %w", err)
	}
	return affectedOne(res)
}
