// Package cleaner post-processes raw transcripts for readability.
package cleaner

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/lovanote/internal/llm"
	"golang.org/x/time/rate"
)

// UserPromptPrefix precedes the raw transcript in the service request.
const UserPromptPrefix = "Clean and perfect the following transcription text for grammar, punctuation, and readability:\n"

var (
	fillerPattern     = regexp.MustCompile(`(?i)(um|uh|ah|like|you know),?`)
	spacePattern      = regexp.MustCompile(`[ \t]{2,}`)
	spacePunctPattern = regexp.MustCompile(`[ \t]+([,.!?;:])`)
	leadPunctPattern  = regexp.MustCompile(`^[,;:\s]+`)
)

// Fallback strips filler words with whole-word, case-insensitive matching
// and tidies the whitespace left behind. Other words are untouched.
func Fallback(text string) string {
	out := stripFillers(text)
	out = spacePunctPattern.ReplaceAllString(out, "$1")
	out = spacePattern.ReplaceAllString(out, " ")
	out = leadPunctPattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// stripFillers drops filler matches that stand alone as words. Word edges
// are judged on Unicode letters, digits and marks, so "ahí" or "Añah" keep
// their letters.
func stripFillers(text string) string {
	var b strings.Builder
	last := 0
	for _, m := range fillerPattern.FindAllStringSubmatchIndex(text, -1) {
		before, _ := utf8.DecodeLastRuneInString(text[:m[0]])
		after, _ := utf8.DecodeRuneInString(text[m[3]:])
		if (m[0] > 0 && isWordRune(before)) || (m[3] < len(text) && isWordRune(after)) {
			continue
		}
		b.WriteString(text[last:m[0]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// Result is the cleaned text. Degraded marks output from the fallback path,
// which is weaker than the service path. Err holds the service failure that
// triggered the fallback.
type Result struct {
	Text     string
	Degraded bool
	Err      error
}

// Cleaner calls a text-completion service and falls back to Fallback on
// any failure. It never returns an error.
type Cleaner struct {
	gen     llm.Generator
	base    llm.Request
	timeout time.Duration
	limiter *rate.Limiter
	log     *slog.Logger
}

// New builds a Cleaner. A nil generator always uses the fallback.
// perMinute caps service calls; zero leaves them unthrottled.
func New(gen llm.Generator, base llm.Request, timeout time.Duration, perMinute int, log *slog.Logger) *Cleaner {
	c := &Cleaner{gen: gen, base: base, timeout: timeout, log: log.With(slog.String("component", "cleaner"))}
	if perMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return c
}

func (c *Cleaner) Clean(ctx context.Context, requestID, raw string) Result {
	if strings.TrimSpace(raw) == "" {
		return Result{Text: ""}
	}
	if c.gen == nil {
		return Result{Text: Fallback(raw), Degraded: true, Err: errors.New("text cleanup service disabled")}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := c.base
	req.RequestID = requestID
	req.Prompt = UserPromptPrefix + raw

	var out string
	var err error
	if c.limiter != nil {
		err = c.limiter.Wait(ctx)
	}
	if err == nil {
		out, err = llm.Collect(ctx, c.gen, req)
	}
	if err == nil && strings.TrimSpace(out) == "" {
		err = errors.New("empty response from text cleanup service")
	}
	if err != nil {
		c.log.Warn("text cleanup service failed, using filler fallback",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return Result{Text: Fallback(raw), Degraded: true, Err: err}
	}
	return Result{Text: strings.TrimSpace(out)}
}
