package executor

import (
	"bytes"
	"slices"
	"strings"
	"sync"
)

const maskText = "***"

// masker replaces secret values in text. Secrets can be added while a
// step runs through ::add-mask::.
type masker struct {
	mu      sync.RWMutex
	secrets []string
}

func newMasker(secrets map[string]string) *masker {
	m := &masker{}
	for _, v := range secrets {
		m.add(v)
	}
	return m
}

func (m *masker) add(secret string) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.secrets, secret) {
		return
	}
	m.secrets = append(m.secrets, secret)
	// Longest first so a secret containing another is masked whole.
	slices.SortFunc(m.secrets, func(a, b string) int { return len(b) - len(a) })
}

func (m *masker) mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, maskText)
	}
	return s
}

// stepOutput collects a step's combined output line by line. Workflow
// command lines are interpreted and kept out of the log; everything else
// is masked before it is stored.
type stepOutput struct {
	masker *masker

	mu      sync.Mutex
	partial []byte
	log     strings.Builder
	outputs map[string]string
}

func newStepOutput(m *masker) *stepOutput {
	return &stepOutput{masker: m, outputs: map[string]string{}}
}

func (o *stepOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.line(string(o.partial[:i]))
		o.partial = o.partial[i+1:]
	}
	return len(p), nil
}

// line handles ::set-output name=k::v and ::add-mask::v.
func (o *stepOutput) line(text string) {
	text = strings.TrimSuffix(text, "\r")
	if rest, ok := strings.CutPrefix(text, "::set-output name="); ok {
		if name, value, ok := strings.Cut(rest, "::"); ok && name != "" {
			o.outputs[name] = value
			return
		}
	}
	if secret, ok := strings.CutPrefix(text, "::add-mask::"); ok {
		o.masker.add(secret)
		return
	}
	o.log.WriteString(o.masker.mask(text))
	o.log.WriteByte('\n')
}

// finish flushes an unterminated last line and returns the masked log and
// the outputs set by the step.
func (o *stepOutput) finish() (string, map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.partial) > 0 {
		o.line(string(o.partial))
		o.partial = nil
	}
	return o.log.String(), o.outputs
}
