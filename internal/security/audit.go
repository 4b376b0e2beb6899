// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides audit logging with secret redaction.
//
// The audit log is newline-delimited JSON. Every event carries a sequence
// number and an HMAC chain link over the previous event, so removing,
// reordering or editing a line is detected by Verify.
package security

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxDetailLength is the longest detail text kept before truncation.
const MaxDetailLength = 512

// ActorUnknown is recorded when no identity could be attributed.
const ActorUnknown = "unknown"

// ActorSystem is recorded for bootstrap operations run without a session.
const ActorSystem = "system"

// AuditAction names a security-relevant action.
type AuditAction string

const (
	ActionLogin      AuditAction = "login"
	ActionLogout     AuditAction = "logout"
	ActionRefresh    AuditAction = "refresh"
	ActionUserAdd    AuditAction = "user-add"
	ActionUserRemove AuditAction = "user-remove"
	ActionDeactivate AuditAction = "deactivate"
	ActionActivate   AuditAction = "activate"
	ActionResetToken AuditAction = "reset-token"
	ActionAccess     AuditAction = "access"
	ActionUnlock     AuditAction = "unlock"
	ActionUserImport AuditAction = "user-import"
	ActionPrune      AuditAction = "session-prune"
)

// AuditResult is the outcome of an action.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultDenied  AuditResult = "denied"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

// AuditEvent is one immutable record in the audit log.
type AuditEvent struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor"`
	Action    AuditAction `json:"action"`
	Result    AuditResult `json:"result"`
	Detail    string      `json:"detail,omitempty"`
	PrevHash  string      `json:"prev_hash"`
	Hash      string      `json:"hash"`
}

// ToLogLine formats the event for terminal display.
func (e *AuditEvent) ToLogLine() string {
	line := fmt.Sprintf("%s | %-11s | %-7s | %s",
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
		e.Action,
		strings.ToUpper(string(e.Result)),
		e.Actor,
	)
	if e.Detail != "" {
		line += " | " + e.Detail
	}
	return line
}

// chainInput is the byte string the chain hash covers: the previous hash
// followed by the event encoded with an empty Hash field.
func (e AuditEvent) chainInput() ([]byte, error) {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append([]byte(e.PrevHash), body...), nil
}

// =============================================================================
// REDACTOR INTERFACE
// =============================================================================

// Redactor defines the interface for secret redaction.
type Redactor interface {
	// Redact replaces sensitive data in the input string.
	Redact(input string) string
	// Name returns the name of this redactor.
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{
		name:    name,
		pattern: pattern,
		replace: replace,
	}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// secretPatterns are stripped from every detail before it is written.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"DevOpsToken", TokenPattern, "[TOKEN_REDACTED]"},
	{"Session", regexp.MustCompile(`dvs_[a-f0-9]{16,}`), "[SESSION_REDACTED]"},
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{"AWS", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[AWS_KEY_REDACTED]"},
	{"GitHub", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), "[GITHUB_TOKEN_REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passwd|token)\s*[=:]\s*\S+`), "[SECRET_REDACTED]"},
}

func defaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog is the append-only event store.
type AuditLog struct {
	backend   storage.Backend
	opts      options
	chainKey  []byte
	redactors []Redactor
}

// NewAuditLog creates an audit log whose chain is keyed by a subkey of key.
func NewAuditLog(backend storage.Backend, key *InstallationKey, opts ...Option) *AuditLog {
	o := buildOptions(opts)
	return &AuditLog{
		backend:   backend,
		opts:      o,
		chainKey:  key.derive(keyPurposeAuditChain),
		redactors: append(defaultRedactors(), o.redactors...),
	}
}

// Append writes ev after the current last event and returns the stored
// form. ID, Seq, Timestamp and the chain fields are assigned here; a caller
// supplied Timestamp is kept.
func (l *AuditLog) Append(ev AuditEvent) (AuditEvent, error) {
	if ev.Actor == "" {
		ev.Actor = ActorUnknown
	}
	ev.Actor = l.clean(ev.Actor, 254)
	ev.Detail = l.clean(ev.Detail, MaxDetailLength)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.opts.clock()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	var stored AuditEvent
	err := withRetry(l.opts, AuditDocument, func() error {
		return l.backend.Append(AuditDocument, func(last []byte) ([]byte, error) {
			next := ev
			next.ID = uuid.NewString()
			next.Seq = 1
			next.PrevHash = ""
			if len(last) > 0 {
				var prev AuditEvent
				if err := json.Unmarshal(last, &prev); err != nil {
					return nil, &CorruptionError{Document: AuditDocument, Err: fmt.Errorf("last line: %w", err)}
				}
				next.Seq = prev.Seq + 1
				next.PrevHash = prev.Hash
			}
			hash, err := l.chainHash(next)
			if err != nil {
				return nil, err
			}
			next.Hash = hash
			line, err := json.Marshal(next)
			if err != nil {
				return nil, fmt.Errorf("failed to encode audit event: %w", err)
			}
			stored = next
			return line, nil
		})
	})
	if err != nil {
		return AuditEvent{}, err
	}
	return stored, nil
}

// Record is Append for the common case.
func (l *AuditLog) Record(actor string, action AuditAction, result AuditResult, detail string) error {
	_, err := l.Append(AuditEvent{Actor: actor, Action: action, Result: result, Detail: detail})
	return err
}

// =============================================================================
// QUERY
// =============================================================================

// AuditFilter selects events. Zero fields match everything.
type AuditFilter struct {
	Actor  string
	Action AuditAction
	Result AuditResult
	Since  time.Time
	Until  time.Time
	// Limit keeps only the last Limit matches; zero keeps all.
	Limit int
}

// Matches reports whether ev passes the filter.
func (f AuditFilter) Matches(ev AuditEvent) bool {
	if f.Actor != "" && !strings.EqualFold(ev.Actor, strings.TrimSpace(f.Actor)) {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Result != "" && ev.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns matching events in log order.
func (l *AuditLog) Query(f AuditFilter) ([]AuditEvent, error) {
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []AuditEvent
	for _, ev := range events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Count returns the number of events in the log.
func (l *AuditLog) Count() (int, error) {
	events, err := l.readAll()
	return len(events), err
}

// =============================================================================
// INTEGRITY
// =============================================================================

// VerifyReport is the result of a chain verification.
type VerifyReport struct {
	Total    int    `json:"total"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Line     int    `json:"line,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the chain and reports the first broken link.
func (l *AuditLog) Verify() (VerifyReport, error) {
	data, err := readDocument(l.backend, l.opts, AuditDocument)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Valid: true}
	prevHash := ""
	var prevSeq int64
	lineNo := 0
	scanner := newLineScanner(data)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		report.Total++

		fail := func(seq int64, reason string) (VerifyReport, error) {
			report.Valid = false
			report.BrokenAt = seq
			report.Line = lineNo
			report.Reason = reason
			return report, nil
		}

		var ev AuditEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fail(prevSeq+1, "line is not a valid event")
		}
		if ev.Seq != prevSeq+1 {
			return fail(ev.Seq, fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, ev.Seq))
		}
		if ev.PrevHash != prevHash {
			return fail(ev.Seq, "previous hash does not match")
		}
		want, err := l.chainHash(ev)
		if err != nil {
			return VerifyReport{}, err
		}
		if !hmac.Equal([]byte(want), []byte(ev.Hash)) {
			return fail(ev.Seq, "event content does not match its hash")
		}
		prevHash = ev.Hash
		prevSeq = ev.Seq
	}
	if err := scanner.Err(); err != nil {
		return VerifyReport{}, &CorruptionError{Document: AuditDocument, Err: err}
	}
	return report, nil
}

func (l *AuditLog) chainHash(ev AuditEvent) (string, error) {
	input, err := ev.chainInput()
	if err != nil {
		return "", fmt.Errorf("failed to encode audit event: %w", err)
	}
	mac := hmac.New(sha256.New, l.chainKey)
	mac.Write(input)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// =============================================================================
// FOLLOW
// =============================================================================

// Follow delivers events appended after the call to fn until ctx is done
// or fn returns an error. It watches the backend directory, so it works for
// both the audit.log file and the SQLite write-ahead log.
func (l *AuditLog) Follow(ctx context.Context, f AuditFilter, fn func(AuditEvent) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.backend.Location()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.backend.Location(), err)
	}

	events, err := l.readAll()
	if err != nil {
		return err
	}
	var lastSeq int64
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}

	deliver := func() error {
		events, err := l.readAll()
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if f.Matches(ev) {
				if err := fn(ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if strings.HasSuffix(ev.Name, ".lock") || strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if err := deliver(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.opts.logger.Warn("audit watcher error", zap.Error(err))
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *AuditLog) readAll() ([]AuditEvent, error) {
	data, err := readDocument(l.backend, l.opts, AuditDocument)
	if err != nil {
		return nil, err
	}
	var events []AuditEvent
	lineNo := 0
	scanner := newLineScanner(data)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &CorruptionError{Document: AuditDocument, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, &CorruptionError{Document: AuditDocument, Err: err}
	}
	return events, nil
}

// clean redacts secrets, strips control characters and truncates.
func (l *AuditLog) clean(s string, max int) string {
	for _, r := range l.redactors {
		s = r.Redact(s)
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func newLineScanner(data []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
