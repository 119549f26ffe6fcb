package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PrettyJSONHandler is a slog.Handler that writes every record as an indented
// JSON object. Fields keep the order they were added in: time, level, msg,
// source, then handler attributes and record attributes. Errors are written
// as their message.
//
// It is meant for watching a worker in a terminal, not for throughput.
type PrettyJSONHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	level     slog.Leveler
	addSource bool

	// pre holds attributes from WithAttrs, nested under the groups that
	// were open when they were added.
	pre    []field
	groups []string
}

// field is one key of an ordered JSON object; value is either a plain value
// or a nested []field.
type field struct {
	key   string
	value any
}

func NewPrettyJSONHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyJSONHandler {
	h := &PrettyJSONHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *PrettyJSONHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyJSONHandler) Handle(_ context.Context, r slog.Record) error {
	when := r.Time
	if when.IsZero() {
		when = time.Now()
	}
	obj := []field{
		{"time", when.Format(time.RFC3339Nano)},
		{"level", r.Level.String()},
		{"msg", r.Message},
	}
	if h.addSource {
		if src := source(r.PC); src != "" {
			obj = append(obj, field{"source", src})
		}
	}
	var attrs []field
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, a)
		return true
	})
	obj = append(obj, insert(h.pre, h.groups, attrs)...)

	var buf bytes.Buffer
	writeObject(&buf, obj, "")
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyJSONHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var fs []field
	for _, a := range attrs {
		fs = appendAttr(fs, a)
	}
	clone := *h
	clone.pre = insert(h.pre, h.groups, fs)
	return &clone
}

func (h *PrettyJSONHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// insert returns a copy of tree with fs added under the group path. Once a
// group is open nothing is added above it, so an open group is always the
// last field of its parent.
func insert(tree []field, path []string, fs []field) []field {
	if len(fs) == 0 {
		return tree
	}
	out := append([]field(nil), tree...)
	if len(path) == 0 {
		return append(out, fs...)
	}
	if n := len(out); n > 0 && out[n-1].key == path[0] {
		if child, ok := out[n-1].value.([]field); ok {
			out[n-1].value = insert(child, path[1:], fs)
			return out
		}
	}
	return append(out, field{path[0], insert(nil, path[1:], fs)})
}

func appendAttr(fs []field, a slog.Attr) []field {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fs
	}
	if v.Kind() == slog.KindGroup {
		var child []field
		for _, ga := range v.Group() {
			child = appendAttr(child, ga)
		}
		if len(child) == 0 {
			return fs
		}
		if a.Key == "" {
			return append(fs, child...)
		}
		return append(fs, field{a.Key, child})
	}
	return append(fs, field{a.Key, plain(v)})
}

func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	}
	switch x := v.Any().(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

func writeObject(buf *bytes.Buffer, obj []field, indent string) {
	inner := indent + "  "
	buf.WriteString("{\n")
	for i, f := range obj {
		buf.WriteString(inner)
		buf.WriteString(strconv.Quote(f.key))
		buf.WriteString(": ")
		if child, ok := f.value.([]field); ok {
			writeObject(buf, child, inner)
		} else {
			writeValue(buf, f.value, inner)
		}
		if i < len(obj)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString(indent)
	buf.WriteByte('}')
}

func writeValue(buf *bytes.Buffer, v any, indent string) {
	b, err := json.MarshalIndent(v, indent, "  ")
	if err != nil {
		// Unencodable values are written as their fmt representation.
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	buf.Write(b)
}

func source(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}
	file := f.File
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return file + ":" + strconv.Itoa(f.Line)
}
