package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Reporter receives token deltas as a stream progresses. progress.Tracker
// satisfies it.
type Reporter interface {
	Add(delta int, force bool)
}

// EstimateTokens counts whitespace-delimited fields in text.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Stream sends a streaming request and consumes the SSE response. Each text
// delta is estimated and reported immediately. When the stream ends, a usage
// object with a completion count that differs from the estimate sum produces
// exactly one forced correction; otherwise a forced zero flushes whatever the
// reporter still holds. A stream that breaks off mid-way also forces a zero
// flush before the error is returned. reporter may be nil.
func (c *Client) Stream(ctx context.Context, req ChatRequest, reporter Reporter) (StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	rc, err := c.chat(ctx, req)
	if err != nil {
		return StreamResult{}, err
	}
	defer rc.Close()

	var (
		content   strings.Builder
		estimated int
		usage     *Usage
	)

	reader := bufio.NewReader(rc)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			done, chunk := parseLine(line)
			if done {
				break
			}
			if chunk != nil {
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if len(chunk.Choices) > 0 {
					if delta := chunk.Choices[0].Delta.Content; delta != "" {
						content.WriteString(delta)
						n := EstimateTokens(delta)
						estimated += n
						if reporter != nil && n > 0 {
							reporter.Add(n, false)
						}
					}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if reporter != nil {
				reporter.Add(0, true)
			}
			return StreamResult{}, &ProviderError{Op: "stream", Err: fmt.Errorf("reading stream: %w", readErr)}
		}
	}

	if reporter != nil {
		if usage != nil && usage.CompletionTokens != nil {
			reporter.Add(*usage.CompletionTokens-estimated, true)
		} else {
			reporter.Add(0, true)
		}
	}

	return StreamResult{Content: strings.TrimSpace(content.String()), Usage: usage}, nil
}

// parseLine interprets one SSE line. It returns done at the [DONE] sentinel
// and a nil chunk for blank lines, comments, non-data fields, and payloads
// that do not decode.
func parseLine(line []byte) (done bool, chunk *streamChunk) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return false, nil
	}
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return false, nil
	}
	data = bytes.TrimSpace(data)
	if string(data) == "[DONE]" {
		return true, nil
	}
	var c streamChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return false, nil
	}
	return false, &c
}
