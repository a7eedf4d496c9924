package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPConfig configures SIPTrunk.
type SIPConfig struct {
	ListenAddr string // e.g. 0.0.0.0:5060
	Transport  string // udp or tcp
	PublicHost string
	PublicPort int

	// TrunkAddr is the upstream provider host:port outbound INVITEs go to.
	TrunkAddr string
	Username  string
	Password  string

	// RTPPort is advertised in SDP for the external media relay.
	RTPPort   int
	UserAgent string
}

// SIPTrunk implements Trunk on top of sipgo dialogs.
type SIPTrunk struct {
	cfg    SIPConfig
	logger *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	dc     *sipgo.DialogClientCache
	ds     *sipgo.DialogServerCache

	mu        sync.Mutex
	listening bool
	onInvite  func(IncomingInvite)
}

// NewSIPTrunk creates the user agent, server and client. Nothing is bound
// until Connect.
func NewSIPTrunk(cfg SIPConfig, logger *slog.Logger) (*SIPTrunk, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vai-callcenter"
	}
	if cfg.PublicHost == "" {
		host, port, err := net.SplitHostPort(cfg.ListenAddr)
		if err == nil {
			cfg.PublicHost = host
			if cfg.PublicPort == 0 {
				cfg.PublicPort, _ = strconv.Atoi(port)
			}
		}
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("create sip server: %w", err)
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("create sip client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: cfg.Username, Host: cfg.PublicHost, Port: cfg.PublicPort},
	}
	t := &SIPTrunk{
		cfg:    cfg,
		logger: logger,
		ua:     ua,
		server: srv,
		client: cli,
		dc:     sipgo.NewDialogClientCache(cli, contact),
		ds:     sipgo.NewDialogServerCache(cli, contact),
	}

	srv.OnInvite(t.handleInvite)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = t.ds.ReadAck(req, tx)
	})
	srv.OnBye(t.handleBye)
	return t, nil
}

func (t *SIPTrunk) OnInvite(fn func(IncomingInvite)) {
	t.mu.Lock()
	t.onInvite = fn
	t.mu.Unlock()
}

// Connect binds the listener once and, when an upstream trunk is configured,
// probes it with OPTIONS.
func (t *SIPTrunk) Connect(ctx context.Context) error {
	t.mu.Lock()
	if !t.listening {
		if err := t.listen(ctx); err != nil {
			t.mu.Unlock()
			return err
		}
		t.listening = true
	}
	t.mu.Unlock()

	if t.cfg.TrunkAddr == "" {
		return nil
	}
	var target sip.Uri
	if err := sip.ParseUri("sip:"+t.cfg.TrunkAddr, &target); err != nil {
		return fmt.Errorf("parse trunk address: %w", err)
	}
	res, err := t.client.Do(ctx, sip.NewRequest(sip.OPTIONS, target))
	if err != nil {
		return fmt.Errorf("options probe: %w", err)
	}
	if res.StatusCode >= 500 {
		return fmt.Errorf("options probe: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (t *SIPTrunk) listen(ctx context.Context) error {
	var lc net.ListenConfig
	switch strings.ToLower(t.cfg.Transport) {
	case "tcp":
		l, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen sip tcp: %w", err)
		}
		go func() {
			if err := t.server.ServeTCP(l); err != nil && !errors.Is(err, net.ErrClosed) {
				t.logger.Error("sip tcp server stopped", "error", err)
			}
		}()
	default:
		pc, err := lc.ListenPacket(ctx, "udp", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen sip udp: %w", err)
		}
		go func() {
			if err := t.server.ServeUDP(pc); err != nil && !errors.Is(err, net.ErrClosed) {
				t.logger.Error("sip udp server stopped", "error", err)
			}
		}()
	}
	t.logger.Info("sip listening", "addr", t.cfg.ListenAddr, "transport", t.cfg.Transport)
	return nil
}

// Dial sends an INVITE through the trunk and waits for a final answer,
// authenticating with digest credentials when challenged.
func (t *SIPTrunk) Dial(ctx context.Context, number, from string) (Dialog, error) {
	if t.cfg.TrunkAddr == "" {
		return nil, errors.New("no sip trunk configured")
	}
	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", number, t.cfg.TrunkAddr), &recipient); err != nil {
		return nil, fmt.Errorf("parse destination: %w", err)
	}

	offer, err := buildOffer(t.cfg.PublicHost, t.cfg.RTPPort)
	if err != nil {
		return nil, fmt.Errorf("build sdp offer: %w", err)
	}

	headers := []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}
	if from != "" {
		fromHdr := &sip.FromHeader{
			Address: sip.Uri{User: from, Host: t.cfg.PublicHost},
			Params:  sip.NewParams(),
		}
		fromHdr.Params.Add("tag", sip.GenerateTagN(16))
		headers = append(headers, fromHdr)
	}

	sess, err := t.dc.Invite(ctx, recipient, offer, headers...)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}
	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: t.cfg.Username,
		Password: t.cfg.Password,
	})
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("wait answer: %w", err)
	}
	if err := sess.Ack(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("send ack: %w", err)
	}
	return &clientDialog{sess: sess}, nil
}

func (t *SIPTrunk) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := t.ds.ReadInvite(req, tx)
	if err != nil {
		t.logger.Warn("invalid invite", "error", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	defer dlg.Close()

	t.mu.Lock()
	handler := t.onInvite
	t.mu.Unlock()
	if handler == nil {
		_ = dlg.Respond(503, "Service Unavailable", nil)
		return
	}

	_ = dlg.Respond(100, "Trying", nil)
	inv := &incomingInvite{trunk: t, req: req, dlg: dlg}
	handler(inv)

	if inv.answered {
		<-dlg.Context().Done()
	}
}

func (t *SIPTrunk) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := t.ds.ReadBye(req, tx); err == nil {
		return
	}
	if err := t.dc.ReadBye(req, tx); err == nil {
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
}

func (t *SIPTrunk) Close() error {
	err := t.server.Close()
	if cerr := t.ua.Close(); err == nil {
		err = cerr
	}
	return err
}

type incomingInvite struct {
	trunk    *SIPTrunk
	req      *sip.Request
	dlg      *sipgo.DialogServerSession
	answered bool
}

func (i *incomingInvite) From() string { return i.req.From().Address.User }
func (i *incomingInvite) To() string   { return i.req.To().Address.User }

func (i *incomingInvite) Answer(ctx context.Context) (Dialog, error) {
	if err := ctx.Err(); err != nil {
		_ = i.dlg.Respond(487, "Request Terminated", nil)
		return nil, err
	}
	body, codec, err := buildAnswer(i.req.Body(), i.trunk.cfg.PublicHost, i.trunk.cfg.RTPPort)
	if err != nil {
		_ = i.dlg.Respond(488, "Not Acceptable Here", nil)
		return nil, err
	}
	if err := i.dlg.Respond(180, "Ringing", nil); err != nil {
		return nil, fmt.Errorf("send ringing: %w", err)
	}
	if err := i.dlg.Respond(200, "OK", body, sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		return nil, fmt.Errorf("send ok: %w", err)
	}
	i.answered = true
	i.trunk.logger.Debug("inbound call answered", "codec", codec)
	return &serverDialog{sess: i.dlg}, nil
}

func (i *incomingInvite) Reject(code int, reason string) error {
	return i.dlg.Respond(sip.StatusCode(code), reason, nil)
}

type clientDialog struct {
	sess *sipgo.DialogClientSession
}

func (d *clientDialog) Hangup(ctx context.Context) error { return d.sess.Bye(ctx) }
func (d *clientDialog) Done() <-chan struct{}            { return d.sess.Context().Done() }

func (d *clientDialog) SendDTMF(ctx context.Context, digits string) error {
	target := d.sess.InviteRequest.Recipient
	if d.sess.InviteResponse != nil {
		if c := d.sess.InviteResponse.Contact(); c != nil {
			target = c.Address
		}
	}
	return sendDTMF(ctx, digits, target, d.sess.Do)
}

type serverDialog struct {
	sess *sipgo.DialogServerSession
}

func (d *serverDialog) Hangup(ctx context.Context) error { return d.sess.Bye(ctx) }
func (d *serverDialog) Done() <-chan struct{}            { return d.sess.Context().Done() }

func (d *serverDialog) SendDTMF(ctx context.Context, digits string) error {
	target := d.sess.InviteRequest.From().Address
	if c := d.sess.InviteRequest.Contact(); c != nil {
		target = c.Address
	}
	return sendDTMF(ctx, digits, target, d.sess.Do)
}

// sendDTMF emits one SIP INFO (application/dtmf-relay) per digit.
func sendDTMF(ctx context.Context, digits string, target sip.Uri, do func(context.Context, *sip.Request) (*sip.Response, error)) error {
	for _, r := range digits {
		req := sip.NewRequest(sip.INFO, target)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody([]byte(dtmfRelayBody(r)))
		res, err := do(ctx, req)
		if err != nil {
			return err
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("info %q rejected: %d %s", r, res.StatusCode, res.Reason)
		}
	}
	return nil
}

func dtmfRelayBody(digit rune) string {
	return fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit)
}
