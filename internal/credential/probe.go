package credential

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

type probeOutcome int

const (
	outcomeValid probeOutcome = iota
	outcomeFatal
	outcomeWarn
)

// probe issues the liveness probe for one credential: a cheap HEAD first,
// falling back to a minimum-payload POST. err is non-nil only when both
// attempts failed to produce any HTTP response (network/timeout failure);
// otherwise the response status is classified into a probeOutcome.
func (v *Validator) probe(ctx context.Context, spec types.CredentialSpec, value string) (probeOutcome, error) {
	fastCtx, cancel := context.WithTimeout(ctx, fastProbeTimeout)
	defer cancel()

	status, err := v.doRequest(fastCtx, http.MethodHead, spec, value, nil)
	if err == nil {
		return classify(status), nil
	}

	fallbackCtx, cancel2 := context.WithTimeout(ctx, fallbackProbeTimeout)
	defer cancel2()

	status, err = v.doRequest(fallbackCtx, http.MethodPost, spec, value, strings.NewReader("{}"))
	if err == nil {
		return classify(status), nil
	}

	return outcomeWarn, err
}

func (v *Validator) doRequest(ctx context.Context, method string, spec types.CredentialSpec, value string, body io.Reader) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, spec.ProbeURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+value)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// classify interprets an HTTP response class per the credential validator's
// response-class rule: 2xx / 4xx-parameter / 429 => valid; 401/403 => fatal.
func classify(status int) probeOutcome {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return outcomeFatal
	case http.StatusTooManyRequests:
		return outcomeValid
	}
	if status >= 200 && status < 300 {
		return outcomeValid
	}
	if status >= 400 && status < 500 {
		// A parameter/validation error still proves the credential itself
		// was accepted by the auth layer.
		return outcomeValid
	}
	return outcomeWarn
}
