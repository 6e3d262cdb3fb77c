package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"echoroom-agent/internal/domain"
)

var errEmptyCompletion = errors.New("usecase: completion returned no text")

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// invoker performs the single network call of a pipeline run.
type invoker struct {
	llm          LLMClient
	model        string
	timeout      time.Duration
	historyTurns int
}

// complete assembles the prompt and makes one completion attempt bounded by
// the invoker timeout. It stops waiting when the timeout fires even if the
// client ignores cancellation; the abandoned call finishes in the background.
func (iv *invoker) complete(ctx context.Context, in promptInput) (domain.Completion, error) {
	messages := buildPromptMessages(in, iv.historyTurns)

	ctx, cancel := context.WithTimeout(ctx, iv.timeout)
	defer cancel()

	type result struct {
		completion domain.Completion
		err        error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("usecase: completion panicked: %v", r)}
			}
		}()
		c, err := iv.llm.Chat(ctx, iv.model, messages)
		done <- result{completion: c, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return domain.Completion{}, r.err
		}
		if strings.TrimSpace(r.completion.Text) == "" {
			return r.completion, errEmptyCompletion
		}
		return r.completion, nil
	case <-ctx.Done():
		return domain.Completion{}, ctx.Err()
	}
}

// classifyUpstream maps a completion failure to its error kind.
func classifyUpstream(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case http.StatusTooManyRequests:
			return KindUpstreamRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return KindUpstreamTimeout
		}
	}
	return KindUpstreamError
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
