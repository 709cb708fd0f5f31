package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"chatbridge/internal/provider"
)

// StaticKey serves a long-lived operator key straight from backend
// settings, falling back to Default. The key is read on every call and is
// never copied under SettingsKey.
type StaticKey struct {
	Settings *provider.Settings
	// Field names the configuration key the token comes from.
	Field   string
	Default string
}

func (k StaticKey) Current(context.Context) (string, error) {
	key := strings.TrimSpace(k.Settings.Get(k.Field))
	if key == "" {
		key = strings.TrimSpace(k.Default)
	}
	if key == "" {
		return "", &ConfigurationRequiredError{Backend: k.Settings.Backend(), Fields: []string{k.Field}}
	}
	return key, nil
}

// Invalidate does nothing; a rejected static key can only be replaced by
// the operator.
func (StaticKey) Invalidate(context.Context, string) error {
	return nil
}

// RequireFields checks that identity inputs are present before delegating
// to Next. Missing fields are seeded with their placeholder so the operator
// finds them in the persisted configuration.
type RequireFields struct {
	Fields       []string
	Placeholders map[string]string
	// Next is consulted once every field is set. A nil Next means no
	// automated login is available.
	Next Provider
}

func (p RequireFields) Obtain(ctx context.Context, settings *provider.Settings) (string, error) {
	values := settings.Snapshot()

	var missing []string
	for _, field := range p.Fields {
		value := strings.TrimSpace(values[field])
		if value == "" || value == p.Placeholders[field] {
			missing = append(missing, field)
		}
	}

	if len(missing) > 0 {
		err := settings.Update(ctx, func(values map[string]string) error {
			for _, field := range missing {
				if placeholder, ok := p.Placeholders[field]; ok {
					values[field] = placeholder
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return "", &ConfigurationRequiredError{Backend: settings.Backend(), Fields: missing}
	}

	if p.Next == nil {
		return "", fmt.Errorf("%w: backend %s has no login_command; set %q in its configuration", ErrAuthPending, settings.Backend(), SettingsKey)
	}
	return p.Next.Obtain(ctx, settings)
}

// ExecProvider runs an operator-supplied login helper and reads the token
// from its standard output. The helper receives the backend's username and
// password through CHATBRIDGE_USERNAME and CHATBRIDGE_PASSWORD.
type ExecProvider struct {
	Command string
	Timeout time.Duration
}

func (p ExecProvider) Obtain(ctx context.Context, settings *provider.Settings) (string, error) {
	argv := strings.Fields(p.Command)
	if len(argv) == 0 {
		return "", errors.New("login command must not be empty")
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"CHATBRIDGE_USERNAME="+settings.Get("username"),
		"CHATBRIDGE_PASSWORD="+settings.Get("password"),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run login command for backend %s: %w: %s", settings.Backend(), err, strings.TrimSpace(stderr.String()))
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("%w: login command for backend %s produced no token", ErrAuthPending, settings.Backend())
	}
	return token, nil
}
