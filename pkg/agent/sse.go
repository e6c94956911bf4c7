package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// sseStream parses a text/event-stream body into named items. Pings are a
// transport keepalive and are dropped here; every other event, including
// "error", is passed through for the consumer to interpret.
type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, r: bufio.NewReader(body)}
}

func (s *sseStream) Next() (Item, error) {
	name := ""
	var data []string
	for {
		// a final line may arrive together with io.EOF; fold it in before
		// deciding the stream is over
		raw, err := s.r.ReadString('\n')
		if line := strings.TrimRight(raw, "\r\n"); line != "" || (err == nil && raw != "") {
			switch {
			case line == "":
				if name != "" || len(data) > 0 {
					it, eerr := s.emit(name, data)
					if eerr == errSkip {
						name, data = "", nil
					} else {
						return it, eerr
					}
				}
			case strings.HasPrefix(line, ":"):
				// comment line
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err != nil {
			if err == io.EOF && (name != "" || len(data) > 0) {
				// stream ended mid-event; deliver what we have
				it, eerr := s.emit(name, data)
				if eerr == errSkip {
					return Item{}, io.EOF
				}
				return it, eerr
			}
			return Item{}, err
		}
	}
}

// errSkip signals an event dropped at the transport layer.
var errSkip = io.ErrNoProgress

func (s *sseStream) emit(name string, data []string) (Item, error) {
	if name == "ping" {
		return Item{}, errSkip
	}
	if name == "" {
		name = "item"
	}
	return Item{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))}, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
