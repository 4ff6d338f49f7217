package loadtest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// PayloadPlaceholder is replaced in message templates by a rotating segment.
const PayloadPlaceholder = "%XXXXXX%"

// PayloadPool hands out message payloads round-robin. It is safe for
// concurrent use.
type PayloadPool struct {
	payloads [][]byte
	next     uint64
}

// NewTemplatePayloadPool expands a template into segments payloads, replacing
// the placeholder with "D<nnnnn>  " for segment numbers 1 through segments.
// A template without the placeholder yields a single payload.
func NewTemplatePayloadPool(template string, segments int) (*PayloadPool, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("message template must not be empty")
	}
	if !strings.Contains(template, PayloadPlaceholder) {
		return &PayloadPool{payloads: [][]byte{[]byte(template)}}, nil
	}
	if segments < 1 {
		return nil, fmt.Errorf("expected at least one payload segment, but got %d", segments)
	}
	payloads := make([][]byte, 0, segments)
	for i := 1; i <= segments; i++ {
		seg := fmt.Sprintf("D%05d  ", i)
		payloads = append(payloads, []byte(strings.ReplaceAll(template, PayloadPlaceholder, seg)))
	}
	return &PayloadPool{payloads: payloads}, nil
}

// NewFilePayloadPool loads one payload per non-empty line of the given file.
func NewFilePayloadPool(path string) (*PayloadPool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var payloads [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payload file %s: %w", path, err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("payload file %s contains no payloads", path)
	}
	return &PayloadPool{payloads: payloads}, nil
}

// NewPayloadPool builds the payload pool described by the configuration.
func NewPayloadPool(cfg *Config) (*PayloadPool, error) {
	if len(cfg.PayloadFile) > 0 {
		return NewFilePayloadPool(cfg.PayloadFile)
	}
	return NewTemplatePayloadPool(cfg.Message, cfg.PayloadSegments)
}

// Next returns the next payload. Callers must not modify it.
func (p *PayloadPool) Next() []byte {
	n := atomic.AddUint64(&p.next, 1) - 1
	return p.payloads[n%uint64(len(p.payloads))]
}

func (p *PayloadPool) Len() int {
	return len(p.payloads)
}
