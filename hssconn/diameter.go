package hssconn

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/diametertxn"
	"github.com/homestead/hsscache/impustore"
	"github.com/homestead/hsscache/irscache"
	"github.com/homestead/hsscache/stats"
)

// DiameterConfig carries the Cx addressing and scheme-negotiation options
// from spec §6.4 that DiameterHssConnection needs.
type DiameterConfig struct {
	DestRealm       string
	DestHost        string
	DigestScheme    string
	AkaScheme       string
	Akav2Scheme     string
	LocalServerName string
}

// Transmit hands a constructed Cx request to the Diameter peer. The actual
// wire encoding and socket I/O live outside this package; tests and
// cmd/hsscached supply whatever transport is appropriate.
type Transmit func(*diametertxn.Request) error

// DiameterHssConnection implements HssConnection over a live Cx Diameter
// peer, using diametertxn.Layer for session-id matching, timers, and
// callback dispatch.
type DiameterHssConnection struct {
	txn      *diametertxn.Layer
	cfg      DiameterConfig
	transmit Transmit
	cache    *irscache.Cache
	recorder *stats.Recorder
	logger   core.Logger
}

// NewDiameterHssConnection builds a DiameterHssConnection. txn must already
// be running against a pool; transmit performs the actual send. cache is
// C3, updated by the inbound PPR/RTR handlers this constructor registers
// with txn; it may be nil in tests that never exercise that path.
func NewDiameterHssConnection(txn *diametertxn.Layer, cfg DiameterConfig, transmit Transmit, cache *irscache.Cache, recorder *stats.Recorder, logger core.Logger) *DiameterHssConnection {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hss/connection")
	}
	c := &DiameterHssConnection{txn: txn, cfg: cfg, transmit: transmit, cache: cache, recorder: recorder, logger: logger}
	txn.RegisterPushHandler("PPR", c.onPushProfile)
	txn.RegisterPushHandler("RTR", c.onRegistrationTermination)
	return c
}

func (c *DiameterHssConnection) baseAVPs() map[string]interface{} {
	return map[string]interface{}{
		"dest_realm": c.cfg.DestRealm,
		"dest_host":  c.cfg.DestHost,
	}
}

func (c *DiameterHssConnection) schemeFor(raw string) AuthScheme {
	switch raw {
	case c.cfg.DigestScheme:
		return SchemeDigest
	case c.cfg.AkaScheme:
		return SchemeAka
	case c.cfg.Akav2Scheme:
		return SchemeAkaV2
	default:
		return SchemeUnknown
	}
}

// SendMultimediaAuth implements Cx MAR/MAA, spec §4.6. The negotiated
// scheme decides how the answer's AVPs are decoded: digest fields are read
// as strings, AKA fields as raw bytes which are then transport-encoded
// (challenge: base64, response/keys: lower-case hex).
func (c *DiameterHssConnection) SendMultimediaAuth(ctx context.Context, req *MultimediaAuthRequest, cb MultimediaAuthCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "mar")
	}
	start := time.Now()

	avps := c.baseAVPs()
	avps["impi"] = req.Impi
	avps["impu"] = req.Impu
	avps["scheme"] = string(req.Scheme)

	return c.txn.Send(ctx, &diametertxn.Request{Command: "MAR", AVPs: avps}, c.transmit, func(ans *diametertxn.Answer, err error) {
		if c.recorder != nil {
			c.recorder.CxResultCode(ctx, "mar", resultCodeFor(ans, err))
			c.recorder.HssDigestLatencyUs(ctx, float64(time.Since(start).Microseconds()))
		}
		if err != nil {
			cb(nil, err)
			return
		}
		code := mapResultCode("MAR", ans.ResultCode, ans.ExperimentalResult)
		if code != core.OK {
			cb(&MultimediaAuthAnswer{Code: code}, nil)
			return
		}

		schemeRaw, _ := ans.AVPs["scheme"].(string)
		scheme := c.schemeFor(schemeRaw)
		switch scheme {
		case SchemeDigest:
			ha1, _ := ans.AVPs["ha1"].(string)
			realm, _ := ans.AVPs["realm"].(string)
			qop, _ := ans.AVPs["qop"].(string)
			if qop == "" {
				qop = "auth"
			}
			cb(&MultimediaAuthAnswer{Code: core.OK, Scheme: SchemeDigest, Digest: &DigestVector{HA1: ha1, Realm: realm, QoP: qop}}, nil)
		case SchemeAka, SchemeAkaV2:
			aka := &AkaVector{
				Challenge:    encodeChallenge(bytesAVP(ans.AVPs, "challenge")),
				Response:     encodeHex(bytesAVP(ans.AVPs, "response")),
				CryptKey:     encodeHex(bytesAVP(ans.AVPs, "crypt_key")),
				IntegrityKey: encodeHex(bytesAVP(ans.AVPs, "integrity_key")),
			}
			cb(&MultimediaAuthAnswer{Code: core.OK, Scheme: scheme, Aka: aka}, nil)
		default:
			cb(&MultimediaAuthAnswer{Code: core.UnknownAuthScheme}, core.NewError("hssconn.SendMultimediaAuth", core.UnknownAuthScheme, req.Impi, core.ErrUnknownAuthScheme))
		}
	})
}

// SendUserAuth implements Cx UAR/UAA, spec §4.6.
func (c *DiameterHssConnection) SendUserAuth(ctx context.Context, req *UserAuthRequest, cb UserAuthCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "uar")
	}
	start := time.Now()

	avps := c.baseAVPs()
	avps["impi"] = req.Impi
	avps["impu"] = req.Impu
	avps["visited_network"] = req.VisitedNetwork

	return c.txn.Send(ctx, &diametertxn.Request{Command: "UAR", AVPs: avps}, c.transmit, func(ans *diametertxn.Answer, err error) {
		if c.recorder != nil {
			c.recorder.CxResultCode(ctx, "uar", resultCodeFor(ans, err))
			c.recorder.HssSubscriptionLatencyUs(ctx, float64(time.Since(start).Microseconds()))
		}
		if err != nil {
			cb(nil, err)
			return
		}
		code := mapResultCode("UAR", ans.ResultCode, ans.ExperimentalResult)
		if code != core.OK {
			cb(&UserAuthAnswer{Code: code}, nil)
			return
		}
		serverName, _ := ans.AVPs["server_name"].(string)
		cb(&UserAuthAnswer{Code: core.OK, ServerName: serverName, ServerCapabilities: capabilitiesAVP(ans.AVPs)}, nil)
	})
}

// SendLocationInfo implements Cx LIR/LIA, spec §4.6.
func (c *DiameterHssConnection) SendLocationInfo(ctx context.Context, req *LocationInfoRequest, cb LocationInfoCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "lir")
	}
	start := time.Now()

	avps := c.baseAVPs()
	avps["impu"] = req.Impu

	return c.txn.Send(ctx, &diametertxn.Request{Command: "LIR", AVPs: avps}, c.transmit, func(ans *diametertxn.Answer, err error) {
		if c.recorder != nil {
			c.recorder.CxResultCode(ctx, "lir", resultCodeFor(ans, err))
			c.recorder.HssSubscriptionLatencyUs(ctx, float64(time.Since(start).Microseconds()))
		}
		if err != nil {
			cb(nil, err)
			return
		}
		code := mapResultCode("LIR", ans.ResultCode, ans.ExperimentalResult)
		serverName, _ := ans.AVPs["server_name"].(string)
		cb(&LocationInfoAnswer{
			Code:               code,
			ServerName:         serverName,
			ServerCapabilities: capabilitiesAVP(ans.AVPs),
			ResultCodeRaw:      rawResultCode(ans),
		}, nil)
	})
}

// SendServerAssignment implements Cx SAR/SAA, spec §4.6.
func (c *DiameterHssConnection) SendServerAssignment(ctx context.Context, req *ServerAssignmentRequest, cb ServerAssignmentCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "sar")
	}
	start := time.Now()

	avps := c.baseAVPs()
	avps["impi"] = req.Impi
	avps["impu"] = req.Impu
	avps["server_assignment_type"] = int(req.AssignmentType)

	return c.txn.Send(ctx, &diametertxn.Request{Command: "SAR", AVPs: avps}, c.transmit, func(ans *diametertxn.Answer, err error) {
		if c.recorder != nil {
			c.recorder.CxResultCode(ctx, "sar", resultCodeFor(ans, err))
			c.recorder.HssSubscriptionLatencyUs(ctx, float64(time.Since(start).Microseconds()))
		}
		if err != nil {
			cb(nil, err)
			return
		}
		code := mapResultCode("SAR", ans.ResultCode, ans.ExperimentalResult)
		answer := &ServerAssignmentAnswer{Code: code}
		if code == core.OK || code == core.NewWildcard {
			answer.ImsSubscriptionXML, _ = ans.AVPs["ims_subscription_xml"].(string)
			answer.ChargingAddresses = chargingAddressesAVP(ans.AVPs)
		}
		if code == core.NewWildcard {
			answer.WildcardImpu, _ = ans.AVPs["wildcard_impu"].(string)
		}
		cb(answer, nil)
	})
}

// HandlePushProfile implements the inbound half of Cx PPR/PPA, spec §2/§3.3:
// the HSS pushes an updated subscription for req.Impi, written into every
// IRS that impi is currently authorized on ("we have to update every IRS
// we've stored", the original cache's rationale for this path).
func (c *DiameterHssConnection) HandlePushProfile(ctx context.Context, req *PushProfileRequest) (*PushProfileAnswer, error) {
	if c.cache == nil {
		return &PushProfileAnswer{Code: core.Unknown}, core.NewError("hssconn.HandlePushProfile", core.Unknown, req.Impi, core.ErrUnknown)
	}
	handles := c.cache.GetIrsForImpis(ctx, []string{req.Impi})
	if len(handles) == 0 {
		return &PushProfileAnswer{Code: core.NotFound}, nil
	}
	for _, h := range handles {
		h.ServiceProfileXML = req.ImsSubscriptionXML
		h.ChargingAddresses = req.ChargingAddresses
		h.Refresh(h.Expiry)
		if err := c.cache.Put(ctx, h); err != nil {
			c.logger.WarnWithContext(ctx, "push-profile cache update failed", map[string]interface{}{
				"impi": req.Impi, "impu": h.DefaultImpu, "error": err.Error(),
			})
			return &PushProfileAnswer{Code: core.CodeOf(err)}, nil
		}
	}
	return &PushProfileAnswer{Code: core.OK}, nil
}

// HandleRegistrationTermination implements the inbound half of Cx RTR/RTA,
// spec §2/§3.3: the HSS withdraws one or more IRSs, named by their default
// IMPUs, grounded on the original cache's delete_implicit_registration_sets
// ("used for an RTR when we have several registration sets to delete").
func (c *DiameterHssConnection) HandleRegistrationTermination(ctx context.Context, req *RegistrationTerminationRequest) (*RegistrationTerminationAnswer, error) {
	if c.cache == nil {
		return &RegistrationTerminationAnswer{Code: core.Unknown}, core.NewError("hssconn.HandleRegistrationTermination", core.Unknown, req.Impi, core.ErrUnknown)
	}
	handles := c.cache.GetIrsForImpus(ctx, req.Impus)
	if len(handles) == 0 {
		return &RegistrationTerminationAnswer{Code: core.NotFound}, nil
	}
	if err := c.cache.DeleteAll(ctx, handles); err != nil {
		c.logger.WarnWithContext(ctx, "registration-termination cache delete failed", map[string]interface{}{
			"impi": req.Impi, "error": err.Error(),
		})
		return &RegistrationTerminationAnswer{Code: core.CodeOf(err)}, nil
	}
	return &RegistrationTerminationAnswer{Code: core.OK}, nil
}

// onPushProfile is the diametertxn.PushHandler registered for "PPR": it
// decodes the wire AVPs into a PushProfileRequest, runs HandlePushProfile,
// and encodes the result as the PPA diametertxn.HandlePush sends back.
func (c *DiameterHssConnection) onPushProfile(ctx context.Context, req *diametertxn.PushRequest) (*diametertxn.PushAnswer, error) {
	impi, _ := req.AVPs["impi"].(string)
	xml, _ := req.AVPs["ims_subscription_xml"].(string)
	domainReq := &PushProfileRequest{
		Impi:               impi,
		ImsSubscriptionXML: xml,
		ChargingAddresses:  chargingAddressesAVP(req.AVPs),
	}
	ans, err := c.HandlePushProfile(ctx, domainReq)
	if err != nil {
		return nil, err
	}
	if c.recorder != nil {
		c.recorder.CxResultCode(ctx, "ppr", ackResultCode(ans.Code))
	}
	return &diametertxn.PushAnswer{ResultCode: ackResultCode(ans.Code)}, nil
}

// onRegistrationTermination is the diametertxn.PushHandler registered for
// "RTR"; see onPushProfile.
func (c *DiameterHssConnection) onRegistrationTermination(ctx context.Context, req *diametertxn.PushRequest) (*diametertxn.PushAnswer, error) {
	impi, _ := req.AVPs["impi"].(string)
	impus, _ := req.AVPs["impus"].([]string)
	domainReq := &RegistrationTerminationRequest{Impi: impi, Impus: impus}
	ans, err := c.HandleRegistrationTermination(ctx, domainReq)
	if err != nil {
		return nil, err
	}
	if c.recorder != nil {
		c.recorder.CxResultCode(ctx, "rtr", ackResultCode(ans.Code))
	}
	return &diametertxn.PushAnswer{ResultCode: ackResultCode(ans.Code)}, nil
}

func resultCodeFor(ans *diametertxn.Answer, err error) int {
	if err != nil {
		return 0
	}
	if ans.ExperimentalResult != 0 {
		return ans.ExperimentalResult
	}
	return ans.ResultCode
}

func rawResultCode(ans *diametertxn.Answer) int {
	if ans.ExperimentalResult != 0 {
		return ans.ExperimentalResult
	}
	return ans.ResultCode
}

func bytesAVP(avps map[string]interface{}, key string) []byte {
	if b, ok := avps[key].([]byte); ok {
		return b
	}
	return nil
}

// encodeChallenge implements spec §4.6's AKA transport encoding for the
// challenge field: base64.
func encodeChallenge(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// encodeHex implements spec §4.6's AKA transport encoding for response,
// crypt-key and integrity-key: lower-case hex.
func encodeHex(raw []byte) string {
	return hex.EncodeToString(raw)
}

func capabilitiesAVP(avps map[string]interface{}) ServerCapabilities {
	caps := ServerCapabilities{}
	if m, ok := avps["mandatory_capabilities"].([]int32); ok {
		caps.MandatoryCapabilities = m
	}
	if o, ok := avps["optional_capabilities"].([]int32); ok {
		caps.OptionalCapabilities = o
	}
	return caps
}

func chargingAddressesAVP(avps map[string]interface{}) impustore.ChargingAddresses {
	ca := impustore.ChargingAddresses{}
	if v, ok := avps["ccfs"].([]string); ok {
		ca.CCFs = v
	}
	if v, ok := avps["ecfs"].([]string); ok {
		ca.ECFs = v
	}
	return ca
}
