package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Handler implements slog.Handler on top of a zerolog.Logger.
type Handler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	groups []string
}

//nolint:gocritic // zerolog.Logger is passed by value by design
func NewHandler(l zerolog.Logger) *Handler {
	return &Handler{logger: l}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	lvl := h.logger.GetLevel()
	return lvl != zerolog.Disabled && lvl <= toZerolog(level)
}

//nolint:gocritic // slog.Record is passed by value per slog.Handler
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var ev *zerolog.Event
	switch {
	case r.Level >= slog.LevelError:
		ev = h.logger.Error()
	case r.Level >= slog.LevelWarn:
		ev = h.logger.Warn()
	case r.Level >= slog.LevelInfo:
		ev = h.logger.Info()
	default:
		ev = h.logger.Debug()
	}
	for _, a := range h.attrs {
		ev = addAttr(ev, a, h.groups)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = addAttr(ev, a, h.groups)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{logger: h.logger, attrs: merged, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &Handler{logger: h.logger, attrs: h.attrs, groups: groups}
}

func addAttr(ev *zerolog.Event, a slog.Attr, groups []string) *zerolog.Event {
	key := a.Key
	for i := len(groups) - 1; i >= 0; i-- {
		key = groups[i] + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return ev.Str(key, v.String())
	case slog.KindInt64:
		return ev.Int64(key, v.Int64())
	case slog.KindUint64:
		return ev.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return ev.Float64(key, v.Float64())
	case slog.KindBool:
		return ev.Bool(key, v.Bool())
	case slog.KindDuration:
		return ev.Dur(key, v.Duration())
	case slog.KindTime:
		return ev.Time(key, v.Time())
	case slog.KindGroup:
		for _, ga := range v.Group() {
			ev = addAttr(ev, ga, append(groups, a.Key))
		}
		return ev
	}
	if err, ok := v.Any().(error); ok {
		return ev.AnErr(key, err)
	}
	return ev.Interface(key, v.Any())
}

func toZerolog(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	}
	return zerolog.ErrorLevel
}
