// Package capture adapts capture software to probe.CaptureState.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/probe"
)

// obs-websocket v5 opcodes
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

const rpcVersion = 1

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	RPCVersion     int `json:"rpcVersion"`
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
}

type response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// OBS queries OBS Studio over obs-websocket v5. The connection is opened on
// first use and re-opened after any error. Calls are serialized.
type OBS struct {
	url      string
	password string
	timeout  time.Duration
	log      *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// NewOBS creates an OBS client. Nothing is dialed until the first query.
func NewOBS(url, password string, timeout time.Duration, log *zap.SugaredLogger) *OBS {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &OBS{url: url, password: password, timeout: timeout, log: logger.AddComponent(log, "obs")}
}

// New returns the collaborator named by the config, or nil for "none".
func New(cfg am.CaptureConfig, log *zap.SugaredLogger) (probe.CaptureState, error) {
	switch cfg.Kind {
	case am.CaptureNone, "":
		return nil, nil
	case am.CaptureOBS:
		return NewOBS(cfg.URL, cfg.Password, time.Duration(cfg.TimeoutMS)*time.Millisecond, log), nil
	default:
		return nil, errors.NewInvalidRequestError("unknown capture kind %q", cfg.Kind)
	}
}

// IsRecording reports whether OBS is recording.
func (o *OBS) IsRecording(ctx context.Context) (bool, error) {
	var out struct {
		OutputActive bool `json:"outputActive"`
	}
	if err := o.call(ctx, "GetRecordStatus", &out); err != nil {
		return false, err
	}
	return out.OutputActive, nil
}

// IsStreaming reports whether OBS is streaming.
func (o *OBS) IsStreaming(ctx context.Context) (bool, error) {
	var out struct {
		OutputActive bool `json:"outputActive"`
	}
	if err := o.call(ctx, "GetStreamStatus", &out); err != nil {
		return false, err
	}
	return out.OutputActive, nil
}

// CurrentScene returns the program scene name.
func (o *OBS) CurrentScene(ctx context.Context) (string, error) {
	var out struct {
		SceneName               string `json:"sceneName"`
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := o.call(ctx, "GetCurrentProgramScene", &out); err != nil {
		return "", err
	}
	if out.SceneName != "" {
		return out.SceneName, nil
	}
	return out.CurrentProgramSceneName, nil
}

// Connected reports whether a session is currently open.
func (o *OBS) Connected() bool { return o.connected.Load() }

// Close drops the session.
func (o *OBS) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeLocked()
}

func (o *OBS) call(ctx context.Context, requestType string, out interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	deadline := time.Now().Add(o.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if o.conn == nil {
		if err := o.connectLocked(ctx, deadline); err != nil {
			return err
		}
	}

	err := o.roundTrip(requestType, deadline, out)
	if err != nil {
		o.closeLocked()
		if isTimeout(err) {
			err = errors.Mark(err, errors.ErrTimeout)
		}
		return errors.Wrapf(err, "obs %s", requestType)
	}
	return nil
}

func (o *OBS) roundTrip(requestType string, deadline time.Time, out interface{}) error {
	id := uuid.NewString()
	if err := o.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := o.write(opRequest, request{RequestType: requestType, RequestID: id}); err != nil {
		return err
	}
	if err := o.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		var msg message
		if err := o.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Op != opRequestResponse {
			continue
		}
		var resp response
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			return errors.Wrap(err, "malformed response")
		}
		if resp.RequestID != id {
			continue
		}
		if !resp.RequestStatus.Result {
			return errors.Newf("request failed (code %d): %s", resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}
		if out == nil || len(resp.ResponseData) == 0 {
			return nil
		}
		return json.Unmarshal(resp.ResponseData, out)
	}
}

func (o *OBS) connectLocked(ctx context.Context, deadline time.Time) error {
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: o.timeout}
	conn, _, err := dialer.DialContext(dialCtx, o.url, nil)
	if err != nil {
		err = errors.Wrapf(err, "failed to connect to obs at %s", o.url)
		if dialCtx.Err() != nil {
			err = errors.Mark(err, errors.ErrTimeout)
		}
		return err
	}
	o.conn = conn
	if err := o.identify(deadline); err != nil {
		o.closeLocked()
		return errors.Wrap(err, "obs handshake failed")
	}
	o.connected.Store(true)
	o.log.Infow("Connected to OBS", "url", o.url)
	return nil
}

func (o *OBS) identify(deadline time.Time) error {
	if err := o.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	var msg message
	if err := o.conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Op != opHello {
		return errors.Newf("expected Hello, got op %d", msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return errors.Wrap(err, "malformed Hello")
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		if o.password == "" {
			return errors.WithHint(errors.New("obs requires a password"), "set capture.password")
		}
		id.Authentication = authResponse(o.password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := o.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := o.write(opIdentify, id); err != nil {
		return err
	}

	if err := o.conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Op != opIdentified {
		return errors.Newf("expected Identified, got op %d", msg.Op)
	}
	return nil
}

func (o *OBS) write(op int, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return o.conn.WriteJSON(message{Op: op, D: raw})
}

func (o *OBS) closeLocked() error {
	o.connected.Store(false)
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

// authResponse computes base64(sha256(base64(sha256(password + salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
