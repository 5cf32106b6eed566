package steps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSchema marks a step program that does not match the wire schema.
var ErrSchema = errors.New("step schema violation")

// aliases maps the command names of the first generation of test programs.
var aliases = map[string]Kind{
	"getPage":      KindNavigate,
	"element":      KindLocate,
	"clickElement": KindClick,
	"snapshot":     KindCapture,
}

type wireSelector struct {
	XPath       string `json:"xpath,omitempty"`
	ClassName   string `json:"className,omitempty"`
	CSSClass    string `json:"cssClass,omitempty"`
	ID          string `json:"id,omitempty"`
	CSS         string `json:"css,omitempty"`
	CSSSelector string `json:"cssSelector,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Under       string `json:"under,omitempty"`
}

type wireStep struct {
	Cmd           string        `json:"cmd"`
	URL           string        `json:"url,omitempty"`
	By            *wireSelector `json:"by,omitempty"`
	Under         string        `json:"under,omitempty"`
	BindAs        string        `json:"bindAs,omitempty"`
	LegacyRef     string        `json:"$ref,omitempty"`
	WaitTimeoutMS *int64        `json:"waitTimeoutMs,omitempty"`
	WaitFor       *int64        `json:"waitFor,omitempty"`
	Name          string        `json:"name,omitempty"`
	MS            *int64        `json:"ms,omitempty"`
	Milliseconds  *int64        `json:"milliseconds,omitempty"`
	Seconds       *float64      `json:"seconds,omitempty"`
}

func (p *Program) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*p = nil
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%w: program must be an array of steps: %v", ErrSchema, err)
	}
	program := make(Program, 0, len(items))
	for i, item := range items {
		step, err := decodeStep(item)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		program = append(program, step)
	}
	if err := program.Validate(); err != nil {
		return err
	}
	*p = program
	return nil
}

func (p Program) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(p))
	for i, step := range p {
		raw, err := encodeStep(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

// Validate checks program-wide rules: bindAs names are unique within a program.
func (p Program) Validate() error {
	seen := make(map[string]int)
	for i, step := range p {
		locate, ok := step.(Locate)
		if !ok || locate.BindAs == "" {
			continue
		}
		if first, dup := seen[locate.BindAs]; dup {
			return fmt.Errorf("%w: step %d rebinds %q already bound by step %d", ErrSchema, i, locate.BindAs, first)
		}
		seen[locate.BindAs] = i
	}
	return nil
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var w wireStep
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	cmd := strings.TrimSpace(w.Cmd)
	if cmd == "" {
		return nil, fmt.Errorf("%w: cmd is required", ErrSchema)
	}
	kind := Kind(cmd)
	if alias, ok := aliases[cmd]; ok {
		kind = alias
	}

	switch kind {
	case KindNavigate:
		url := strings.TrimSpace(w.URL)
		if url == "" {
			return nil, fmt.Errorf("%w: %s requires url", ErrSchema, cmd)
		}
		return Navigate{URL: url}, nil
	case KindLocate:
		by, err := decodeSelector(cmd, w)
		if err != nil {
			return nil, err
		}
		timeout, err := decodeTimeout(cmd, w)
		if err != nil {
			return nil, err
		}
		bindAs := strings.TrimSpace(w.BindAs)
		if bindAs == "" {
			bindAs = strings.TrimSpace(w.LegacyRef)
		}
		return Locate{By: by, BindAs: bindAs, WaitTimeout: timeout}, nil
	case KindClick:
		by, err := decodeSelector(cmd, w)
		if err != nil {
			return nil, err
		}
		timeout, err := decodeTimeout(cmd, w)
		if err != nil {
			return nil, err
		}
		return Click{By: by, WaitTimeout: timeout}, nil
	case KindCapture:
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: %s requires name", ErrSchema, cmd)
		}
		return Capture{Name: name}, nil
	case KindWait:
		var wait Wait
		if w.MS != nil {
			wait.Milliseconds = *w.MS
		}
		if w.Milliseconds != nil && *w.Milliseconds > wait.Milliseconds {
			wait.Milliseconds = *w.Milliseconds
		}
		if w.Seconds != nil {
			wait.Seconds = *w.Seconds
		}
		if w.MS == nil && w.Milliseconds == nil && w.Seconds == nil {
			return nil, fmt.Errorf("%w: %s requires ms or seconds", ErrSchema, cmd)
		}
		if wait.Milliseconds < 0 || wait.Seconds < 0 {
			return nil, fmt.Errorf("%w: %s duration cannot be negative", ErrSchema, cmd)
		}
		if wait.Milliseconds > int64(MaxWait/time.Millisecond) || wait.Seconds > MaxWait.Seconds() {
			return nil, fmt.Errorf("%w: %s duration exceeds %s", ErrSchema, cmd, MaxWait)
		}
		return wait, nil
	default:
		return Unknown{Cmd: cmd, Raw: append([]byte(nil), raw...)}, nil
	}
}

func decodeSelector(cmd string, w wireStep) (Selector, error) {
	if w.By == nil {
		return Selector{}, fmt.Errorf("%w: %s requires by", ErrSchema, cmd)
	}
	by := Selector{
		XPath:     strings.TrimSpace(w.By.XPath),
		ClassName: firstNonEmpty(w.By.ClassName, w.By.CSSClass),
		ID:        strings.TrimSpace(w.By.ID),
		CSS:       firstNonEmpty(w.By.CSS, w.By.CSSSelector),
		Ref:       strings.TrimSpace(w.By.Ref),
		Under:     firstNonEmpty(w.By.Under, w.Under),
	}
	set := 0
	for _, value := range []string{by.XPath, by.ClassName, by.ID, by.CSS, by.Ref} {
		if value != "" {
			set++
		}
	}
	if set != 1 {
		return Selector{}, fmt.Errorf("%w: %s needs exactly one of xpath, className, id, css, ref (got %d)", ErrSchema, cmd, set)
	}
	if strings.ContainsAny(by.ClassName, " \t\n\r\f") {
		return Selector{}, fmt.Errorf("%w: %s className %q is compound, use css instead", ErrSchema, cmd, by.ClassName)
	}
	return by, nil
}

func decodeTimeout(cmd string, w wireStep) (time.Duration, error) {
	value := w.WaitTimeoutMS
	if value == nil {
		value = w.WaitFor
	}
	if value == nil {
		return 0, nil
	}
	if *value < 0 {
		return 0, fmt.Errorf("%w: %s wait timeout cannot be negative", ErrSchema, cmd)
	}
	if *value > int64(MaxWait/time.Millisecond) {
		return 0, fmt.Errorf("%w: %s wait timeout exceeds %s", ErrSchema, cmd, MaxWait)
	}
	return time.Duration(*value) * time.Millisecond, nil
}

func encodeStep(step Step) (json.RawMessage, error) {
	var w wireStep
	switch s := step.(type) {
	case Navigate:
		w = wireStep{Cmd: string(KindNavigate), URL: s.URL}
	case Locate:
		w = wireStep{Cmd: string(KindLocate), By: encodeSelector(s.By), BindAs: s.BindAs, WaitTimeoutMS: encodeTimeout(s.WaitTimeout)}
	case Click:
		w = wireStep{Cmd: string(KindClick), By: encodeSelector(s.By), WaitTimeoutMS: encodeTimeout(s.WaitTimeout)}
	case Capture:
		w = wireStep{Cmd: string(KindCapture), Name: s.Name}
	case Wait:
		ms := s.Milliseconds
		w = wireStep{Cmd: string(KindWait), MS: &ms}
		if s.Seconds > 0 {
			seconds := s.Seconds
			w.Seconds = &seconds
		}
	case Unknown:
		return append(json.RawMessage(nil), s.Raw...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported step type %T", ErrSchema, step)
	}
	return json.Marshal(w)
}

func encodeSelector(by Selector) *wireSelector {
	return &wireSelector{
		XPath:     by.XPath,
		ClassName: by.ClassName,
		ID:        by.ID,
		CSS:       by.CSS,
		Ref:       by.Ref,
		Under:     by.Under,
	}
}

func encodeTimeout(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
