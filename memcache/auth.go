package memcache

import (
	"context"
	"time"
)

const (
	saslPlain = "PLAIN"

	// PLAIN finishes in one round; the bound guards against servers which
	// keep answering "continue".
	maxSASLSteps = 4
)

func (a *AuthInfo) plainToken() []byte {
	token := make([]byte, 0, len(a.Username)+len(a.Password)+2)
	token = append(token, 0)
	token = append(token, a.Username...)
	token = append(token, 0)
	token = append(token, a.Password...)
	return token
}

// authenticate runs a SASL PLAIN exchange on a freshly dialed session,
// before the session is registered for routing.
func authenticate(ctx context.Context, s *tcpSession, info *AuthInfo) error {
	token := info.plainToken()
	cmd := newSASLAuthCommand(saslPlain, token)

	for step := 0; ; step++ {
		resp, err := roundTrip(ctx, s, cmd, "SASL auth")
		if err != nil {
			return err
		}

		switch resp.status {
		case StatusNoError:
			s.log.Debug("Authenticated with %s", s.remote)
			return nil
		case StatusAuthenticationContinue:
			if step+1 >= maxSASLSteps {
				break
			}
			cmd = newSASLStepCommand(saslPlain, token)
			continue
		}

		s.authRejected.Store(true)
		return &AuthError{
			Address:   s.remote,
			Mechanism: saslPlain,
			Status:    resp.status,
		}
	}
}

// roundTrip writes cmd and waits for its response.
func roundTrip(
	ctx context.Context,
	s Session,
	cmd *Command,
	op string) (*genericResponse, error) {

	start := time.Now()
	if err := s.write(ctx, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Wait(ctx); err != nil {
		cmd.Cancel()
		return nil, &TimeoutError{Op: op, Key: cmd.key, Timeout: time.Since(start)}
	}
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	return cmd.response(), nil
}
