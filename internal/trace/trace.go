// Package trace holds the bounded, best-effort diagnostic ring buffers:
// trace events, connect-attempt records, and panic records. None of this
// is part of the trust boundary — it is write-only observational plumbing
// and must never block or slow the connection actors feeding it.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	traceBufferMax          = 400
	connectAttemptBufferMax = 50
	panicBufferMax          = 10
)

// Event is one diagnostic trace line.
type Event struct {
	Timestamp     int64   `json:"timestamp"`
	Category      string  `json:"category"`
	Step          string  `json:"step"`
	Message       string  `json:"message"`
	Detail        *string `json:"detail,omitempty"`
	IsError       bool    `json:"isError"`
	CorrelationID *string `json:"correlationId,omitempty"`
}

// ConnectAttempt is one resolved-address connection attempt.
type ConnectAttempt struct {
	Timestamp     int64    `json:"timestamp"`
	AttemptID     string   `json:"attemptId"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username"`
	Addr          *string  `json:"addr,omitempty"`
	ResolvedAddrs []string `json:"resolvedAddrs"`
	ClientID      *string  `json:"clientId,omitempty"`
	ServerID      *string  `json:"serverId,omitempty"`
	BytesWritten  uint64   `json:"bytesWritten"`
	BytesRead     uint64   `json:"bytesRead"`
	Outcome       string   `json:"outcome"`
	OutcomeDetail *string  `json:"outcomeDetail,omitempty"`
}

// Panic is one recovered panic.
type Panic struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Location  string `json:"location,omitempty"`
	Backtrace string `json:"backtrace,omitempty"`
}

var (
	mu       sync.Mutex
	events   []Event
	attempts []ConnectAttempt
	panics   []Panic

	enabled atomic.Bool

	subsMu sync.Mutex
	subs   = make(map[chan Event]struct{})
)

// Subscribe registers a channel to receive every future Emit'd event as
// it happens, for the loopback diagnostics stream. Sends are non-blocking:
// a slow subscriber misses events rather than stalling the emitter.
func Subscribe() chan Event {
	ch := make(chan Event, 64)
	subsMu.Lock()
	subs[ch] = struct{}{}
	subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func Unsubscribe(ch chan Event) {
	subsMu.Lock()
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
	}
	subsMu.Unlock()
}

func broadcast(ev Event) {
	subsMu.Lock()
	defer subsMu.Unlock()
	for ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func init() {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DRIFTCODE_DEBUG_TRACE")))
	if v == "1" || v == "true" {
		enabled.Store(true)
	}
}

// Enabled reports whether tracing is currently on. The env var forces it
// on at startup; Enable/Disable toggle it at runtime.
func Enabled() bool {
	return enabled.Load()
}

func Enable()  { enabled.Store(true) }
func Disable() { enabled.Store(false) }

func pushBounded[T any](buf []T, max int, item T) []T {
	if len(buf) >= max {
		buf = buf[1:]
	}
	return append(buf, item)
}

// Emit records a trace event and logs it through zerolog. It is a no-op
// (besides the log line) when tracing is disabled, and never blocks on a
// slow consumer since the ring is an in-process slice under a plain mutex.
func Emit(category, step, message string, detail *string, isError bool) {
	ev := Event{
		Timestamp: time.Now().UnixMilli(),
		Category:  category,
		Step:      step,
		Message:   message,
		Detail:    detail,
		IsError:   isError,
	}

	logEvt := log.Info()
	if isError {
		logEvt = log.Warn()
	}
	logEvt = logEvt.Str("category", category).Str("step", step)
	if detail != nil {
		logEvt = logEvt.Str("detail", *detail)
	}
	logEvt.Msg(message)

	if !Enabled() {
		return
	}
	mu.Lock()
	events = pushBounded(events, traceBufferMax, ev)
	mu.Unlock()
	broadcast(ev)
}

// RecordConnectAttempt appends a connect-attempt record to its ring.
func RecordConnectAttempt(a ConnectAttempt) {
	a.Timestamp = time.Now().UnixMilli()
	mu.Lock()
	attempts = pushBounded(attempts, connectAttemptBufferMax, a)
	mu.Unlock()
}

// RecordPanic appends a recovered-panic record to its ring.
func RecordPanic(p Panic) {
	p.Timestamp = time.Now().UnixMilli()
	mu.Lock()
	panics = pushBounded(panics, panicBufferMax, p)
	mu.Unlock()
}

// Recover should be deferred at the top of every goroutine this module
// spawns (actor loop, PTY pump loop, diagnostics stream). Go has no single
// process-wide panic hook to chain into; instead every entry point
// recovers locally and records the same shape of record, so a panic
// degrades to "this goroutine stopped" rather than crashing the process.
func Recover(onRecovered func(p Panic)) {
	if r := recover(); r != nil {
		p := Panic{
			Message:   messageOf(r),
			Backtrace: string(debug.Stack()),
		}
		RecordPanic(p)
		if onRecovered != nil {
			onRecovered(p)
		}
	}
}

func messageOf(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Export is the JSON document returned by debugExportDiagnostics.
type Export struct {
	GeneratedAt     int64            `json:"generatedAt"`
	App             string           `json:"app"`
	Platform        string           `json:"platform"`
	Panics          []Panic          `json:"panics"`
	ConnectAttempts []ConnectAttempt `json:"connectAttempts"`
	Traces          []Event          `json:"traces"`
}

func ExportJSON(appName, platform string) ([]byte, error) {
	mu.Lock()
	e := Export{
		GeneratedAt:     time.Now().UnixMilli(),
		App:             appName,
		Platform:        platform,
		Panics:          append([]Panic(nil), panics...),
		ConnectAttempts: append([]ConnectAttempt(nil), attempts...),
		Traces:          append([]Event(nil), events...),
	}
	mu.Unlock()
	return json.MarshalIndent(e, "", "  ")
}
