package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"turndetect-automation/captcha"
	"turndetect-automation/intercept"
)

const bindingName = "__turndetectChallenge"

// Streams carries what the page reports back to the engine and interceptor.
type Streams struct {
	Challenges <-chan captcha.Params
	Exchanges  <-chan intercept.Exchange
}

type pendingRequest struct {
	url     string
	method  string
	headers map[string]string
	status  int
}

// pump turns CDP events into challenges and finished exchanges. Its methods
// run on the rod event goroutine only and never block.
type pump struct {
	wants      func(string) bool
	body       func(id proto.NetworkRequestID) func() ([]byte, error)
	challenges chan captcha.Params
	exchanges  chan intercept.Exchange
	pending    map[proto.NetworkRequestID]*pendingRequest
	logger     *logrus.Logger
}

func newPump(wants func(string) bool, body func(proto.NetworkRequestID) func() ([]byte, error), logger *logrus.Logger) *pump {
	return &pump{
		wants:      wants,
		body:       body,
		challenges: make(chan captcha.Params, 16),
		exchanges:  make(chan intercept.Exchange, 64),
		pending:    make(map[proto.NetworkRequestID]*pendingRequest),
		logger:     logger,
	}
}

func (p *pump) onMessage(text string) {
	params, ok, err := captcha.ParseChallengeMessage(text)
	if !ok {
		return
	}
	if err != nil {
		p.logger.WithError(err).Warn("Malformed challenge parameters from page")
		return
	}
	select {
	case p.challenges <- params:
		p.logger.WithField("sitekey", params.SiteKey).Info("Challenge parameters captured")
	default:
		p.logger.Warn("Challenge queue full, dropping challenge")
	}
}

func (p *pump) onRequest(id proto.NetworkRequestID, url, method string, headers map[string]string) {
	if !p.wants(url) {
		return
	}
	p.pending[id] = &pendingRequest{url: url, method: method, headers: headers}
}

func (p *pump) onResponse(id proto.NetworkRequestID, status int) {
	if req, ok := p.pending[id]; ok {
		req.status = status
	}
}

func (p *pump) onFinished(id proto.NetworkRequestID) {
	req, ok := p.pending[id]
	if !ok {
		return
	}
	delete(p.pending, id)

	ex := intercept.Exchange{
		URL:            req.url,
		Method:         req.method,
		Status:         req.status,
		RequestHeaders: req.headers,
		Body:           p.body(id),
	}
	select {
	case p.exchanges <- ex:
	default:
		p.logger.WithField("url", req.url).Warn("Exchange queue full, dropping response")
	}
}

func (p *pump) onFailed(id proto.NetworkRequestID) {
	delete(p.pending, id)
}

func lowerHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v.Str()
	}
	return out
}

// Start installs the challenge hook and begins pumping events. wants limits
// which responses are captured. The streams close when ctx ends.
func (d *Driver) Start(ctx context.Context, wants func(string) bool) (*Streams, error) {
	page := d.page.Context(ctx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("failed to enable runtime events: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("failed to add challenge binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(hookScript); err != nil {
		return nil, fmt.Errorf("failed to install challenge hook: %w", err)
	}

	p := newPump(wants, d.responseBody, d.logger)

	wait := page.EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == bindingName {
				p.onMessage(captcha.MessagePrefix + e.Payload)
			}
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			if len(e.Args) > 0 {
				p.onMessage(e.Args[0].Value.Str())
			}
		},
		func(e *proto.NetworkRequestWillBeSent) {
			p.onRequest(e.RequestID, e.Request.URL, e.Request.Method, lowerHeaders(e.Request.Headers))
		},
		func(e *proto.NetworkResponseReceived) {
			p.onResponse(e.RequestID, e.Response.Status)
		},
		func(e *proto.NetworkLoadingFinished) {
			p.onFinished(e.RequestID)
		},
		func(e *proto.NetworkLoadingFailed) {
			p.onFailed(e.RequestID)
		},
	)

	go func() {
		wait()
		close(p.challenges)
		close(p.exchanges)
		d.logger.Debug("Browser event pump stopped")
	}()

	return &Streams{Challenges: p.challenges, Exchanges: p.exchanges}, nil
}

func (d *Driver) responseBody(id proto.NetworkRequestID) func() ([]byte, error) {
	return func() ([]byte, error) {
		res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(d.page)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if res.Base64Encoded {
			return base64.StdEncoding.DecodeString(res.Body)
		}
		return []byte(res.Body), nil
	}
}
