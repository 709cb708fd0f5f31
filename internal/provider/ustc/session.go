package ustc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"chatbridge/internal/admission"
)

const probeInput = "帮我用 Python 解决这道题"

// prober asks a lightweight endpoint whether the upstream still accepts a
// credential. Only an explicit 401 marks it stale.
type prober struct {
	b *Backend
}

func (p prober) Alive(ctx context.Context, credential string) (bool, error) {
	req, err := p.b.newRequest(ctx, http.MethodPost, probePath, map[string]string{"input": probeInput}, credential)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := p.b.aux.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe session: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode != http.StatusUnauthorized, nil
}

// admitter registers an admission token with the upstream queue. Apart from
// a refused credential or throttling, the answer carries no information
// beyond reachability.
type admitter struct {
	b *Backend
}

func (a admitter) Admit(ctx context.Context, token, credential string) error {
	req, err := a.b.newRequest(ctx, http.MethodGet, admissionPath+"?"+url.Values{"queue_code": {token}}.Encode(), nil, credential)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := a.b.aux.Do(req)
	if err != nil {
		return fmt.Errorf("enter queue: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("enter queue: status %d: %w", resp.StatusCode, admission.ErrCredentialRejected)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("enter queue: unexpected status %d", resp.StatusCode)
	}
	return nil
}
