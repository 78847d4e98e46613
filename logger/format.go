package logger

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// replacer is the signature of slog.HandlerOptions.ReplaceAttr.
type replacer = func(groups []string, a slog.Attr) slog.Attr

// chainReplacers returns replacer which applies non-nil "rs" in order, nil when there is none.
func chainReplacers(rs ...replacer) replacer {
	var active []replacer
	for _, r := range rs {
		if r != nil {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		for _, r := range active {
			a = r(groups, a)
		}
		return a
	}
}

/*
timeReplacer formats the record time with Go time layout "layout". Empty
layout keeps the handler default, "none" drops the time.
*/
func timeReplacer(layout string) replacer {
	if layout == "" {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.TimeKey {
			return a
		}
		if layout == "none" {
			return slog.Attr{}
		}
		if t := a.Value.Time(); !t.IsZero() {
			a.Value = slog.StringValue(t.Format(layout))
		}
		return a
	}
}

/*
peerIDReplacer formats libp2p peer IDs: "none" drops them, "short" keeps the
first two and last six characters. Any other format keeps the full ID.
*/
func peerIDReplacer(format string) replacer {
	if format != "none" && format != "short" {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() != slog.KindAny {
			return a
		}
		id, ok := a.Value.Any().(peer.ID)
		if !ok {
			return a
		}
		if format == "none" {
			return slog.Attr{}
		}
		if s := id.String(); len(s) > 10 {
			a.Value = slog.StringValue(s[:2] + "*" + s[len(s)-6:])
		}
		return a
	}
}

// dataAsJSON encodes the Data attribute value as JSON string.
func dataAsJSON(groups []string, a slog.Attr) slog.Attr {
	if a.Key == DataKey && a.Value.Kind() == slog.KindAny {
		if b, err := json.Marshal(a.Value.Any()); err == nil {
			a.Value = slog.StringValue(string(b))
		}
	}
	return a
}

// ecsReplacer moves the well known attributes to their Elastic Common Schema fields.
func ecsReplacer(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	case slog.SourceKey:
		src, ok := a.Value.Any().(*slog.Source)
		if !ok {
			return a
		}
		return slog.Group("log", slog.Group("origin",
			slog.String("function", shortFuncName(src.Function)),
			slog.Group("file", slog.String("name", src.File), slog.Int("line", src.Line)),
		))
	case NodeIDKey:
		return slog.Group("service", slog.Group("node", slog.Any("name", a.Value)))
	case ErrorKey:
		return slog.Group("error", slog.Any("message", a.Value.Any()))
	case DataKey:
		// values of different types under the same key conflict in the index
		return slog.Group(DataKey, slog.Any(ecsDataKey(a.Value), a.Value))
	case traceID:
		return slog.Group("trace", slog.String("id", a.Value.String()))
	case spanID:
		return slog.Group("span", slog.String("id", a.Value.String()))
	}
	return a
}

/*
ecsDataKey returns the key the Data value is nested under in ECS output: the
kind for the builtin kinds, the type name ("pkg_Type") for the others.
*/
func ecsDataKey(v slog.Value) string {
	if k := v.Kind(); k != slog.KindAny && k != slog.KindLogValuer {
		return k.String()
	}
	name := reflect.TypeOf(v.Any()).String()
	return strings.ReplaceAll(strings.TrimLeft(name, "*"), ".", "_")
}

// shortFuncName strips the package path from the function name of the log source.
func shortFuncName(fn string) string {
	_, fn = filepath.Split(fn)
	if _, name, ok := strings.Cut(fn, "."); ok {
		return name
	}
	return fn
}
