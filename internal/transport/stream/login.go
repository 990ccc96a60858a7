package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeLogin    = "login"
	controlTypeLoginAck = "login.ack"

	LoginAccepted = "accepted"
	LoginRejected = "rejected"

	maxControlLine = 64 * 1024
)

var (
	ErrInvalidLogin           = errors.New("stream: invalid login")
	ErrInvalidLoginAck        = errors.New("stream: invalid login ack")
	ErrControlMessageTooLarge = errors.New("stream: control message too large")
)

// Login is the client->broker session-start payload.
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (l Login) Validate() error {
	if strings.TrimSpace(l.Username) == "" {
		return fmt.Errorf("%w: missing username", ErrInvalidLogin)
	}
	if l.Password == "" {
		return fmt.Errorf("%w: missing password", ErrInvalidLogin)
	}
	return nil
}

// LoginAck is the broker->client login response.
type LoginAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a LoginAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != LoginAccepted && status != LoginRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidLoginAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidLoginAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Login *Login    `json:"login,omitempty"`
	Ack   *LoginAck `json:"login_ack,omitempty"`
}

func WriteLogin(w io.Writer, login Login) error {
	if err := login.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeLogin, Login: &login})
}

func ReadLogin(r *bufio.Reader) (Login, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Login{}, err
	}
	if env.Type != controlTypeLogin || env.Login == nil {
		return Login{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidLogin, env.Type)
	}
	if err := env.Login.Validate(); err != nil {
		return Login{}, err
	}
	return *env.Login, nil
}

func WriteLoginAck(w io.Writer, ack LoginAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeLoginAck, Ack: &ack})
}

func ReadLoginAck(r *bufio.Reader) (LoginAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return LoginAck{}, err
	}
	if env.Type != controlTypeLoginAck || env.Ack == nil {
		return LoginAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidLoginAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return LoginAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
