package hssconn

import (
	"context"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/provstore"
	"github.com/homestead/hsscache/stats"
)

// HsProvHssConnection implements HssConnection by reading the provisioning
// store directly instead of sending Cx commands to an HSS, spec §4.6's
// "Provisioning-store implementation" alternative for hss_mode=provisioning_store.
// Every operation runs synchronously against provstore.Client and invokes cb
// before returning; callers dispatch onto a worker pool themselves if they
// want SendX to return immediately.
type HsProvHssConnection struct {
	prov            *provstore.Client
	localServerName string
	recorder        *stats.Recorder
	logger          core.Logger
}

// NewHsProvHssConnection builds an HsProvHssConnection over prov.
// localServerName is returned as the assigned S-CSCF name, since there is
// no Cx peer to delegate that decision to.
func NewHsProvHssConnection(prov *provstore.Client, localServerName string, recorder *stats.Recorder, logger core.Logger) *HsProvHssConnection {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hss/connection")
	}
	return &HsProvHssConnection{prov: prov, localServerName: localServerName, recorder: recorder, logger: logger}
}

// mapProvCode folds provstore's Unavailable (host-escalation exhausted)
// into ServerUnavailable, the HSS-conn vocabulary's closest equivalent;
// every other code passes through unchanged.
func mapProvCode(err error) core.Code {
	code := core.CodeOf(err)
	if code == core.Unavailable {
		return core.ServerUnavailable
	}
	return code
}

// SendMultimediaAuth only supports the digest scheme: the provisioning
// store has no AKA key material, per spec §9's resolved Open Question.
func (c *HsProvHssConnection) SendMultimediaAuth(ctx context.Context, req *MultimediaAuthRequest, cb MultimediaAuthCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "mar")
	}
	start := time.Now()
	if req.Scheme != SchemeDigest {
		if c.recorder != nil {
			c.recorder.HssDigestLatencyUs(ctx, float64(time.Since(start).Microseconds()))
		}
		cb(&MultimediaAuthAnswer{Code: core.UnknownAuthScheme}, nil)
		return nil
	}
	v, err := c.prov.GetAuthVector(ctx, req.Impi, req.Impu)
	if c.recorder != nil {
		c.recorder.HssDigestLatencyUs(ctx, float64(time.Since(start).Microseconds()))
	}
	if err != nil {
		c.logger.WarnWithContext(ctx, "provisioning-store auth vector lookup failed", map[string]interface{}{
			"impi": req.Impi, "error": err.Error(),
		})
		cb(&MultimediaAuthAnswer{Code: mapProvCode(err)}, nil)
		return nil
	}
	cb(&MultimediaAuthAnswer{
		Code:   core.OK,
		Scheme: SchemeDigest,
		Digest: &DigestVector{HA1: v.HA1, Realm: v.Realm, QoP: v.QoP},
	}, nil)
	return nil
}

// SendUserAuth has no Cx peer to ask, so it always grants the locally
// configured server, per spec §4.6.
func (c *HsProvHssConnection) SendUserAuth(ctx context.Context, req *UserAuthRequest, cb UserAuthCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "uar")
		c.recorder.HssSubscriptionLatencyUs(ctx, 0)
	}
	cb(&UserAuthAnswer{Code: core.OK, ServerName: c.localServerName}, nil)
	return nil
}

// SendLocationInfo reports the locally configured server if impu has
// subscription data, NOT_FOUND otherwise.
func (c *HsProvHssConnection) SendLocationInfo(ctx context.Context, req *LocationInfoRequest, cb LocationInfoCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "lir")
	}
	start := time.Now()
	rd, err := c.prov.GetRegData(ctx, req.Impu)
	if c.recorder != nil {
		c.recorder.HssSubscriptionLatencyUs(ctx, float64(time.Since(start).Microseconds()))
	}
	if err != nil {
		c.logger.WarnWithContext(ctx, "provisioning-store reg data lookup failed", map[string]interface{}{
			"impu": req.Impu, "error": err.Error(),
		})
		cb(&LocationInfoAnswer{Code: mapProvCode(err)}, nil)
		return nil
	}
	if rd.ImsSubscriptionXML == "" {
		cb(&LocationInfoAnswer{Code: core.NotFound}, nil)
		return nil
	}
	cb(&LocationInfoAnswer{Code: core.OK, ServerName: c.localServerName}, nil)
	return nil
}

// SendServerAssignment returns immediate SUCCESS for deregistration types
// (there is nothing to look up on the way out); registration types fetch
// subscription data from the provisioning store, per spec §4.6.
func (c *HsProvHssConnection) SendServerAssignment(ctx context.Context, req *ServerAssignmentRequest, cb ServerAssignmentCallback) error {
	if c.recorder != nil {
		c.recorder.IncomingRequest(ctx, "sar")
	}
	if !req.AssignmentType.isRegister() {
		if c.recorder != nil {
			c.recorder.HssSubscriptionLatencyUs(ctx, 0)
		}
		cb(&ServerAssignmentAnswer{Code: core.OK}, nil)
		return nil
	}
	start := time.Now()
	rd, err := c.prov.GetRegData(ctx, req.Impu)
	if c.recorder != nil {
		c.recorder.HssSubscriptionLatencyUs(ctx, float64(time.Since(start).Microseconds()))
	}
	if err != nil {
		cb(&ServerAssignmentAnswer{Code: mapProvCode(err)}, nil)
		return nil
	}
	cb(&ServerAssignmentAnswer{
		Code:               core.OK,
		ImsSubscriptionXML: rd.ImsSubscriptionXML,
		ChargingAddresses:  rd.ChargingAddresses,
	}, nil)
	return nil
}

// HandlePushProfile has no Cx peer to receive a push from in
// provisioning-store mode; the provisioning store is read synchronously
// and never pushes, so this always reports NOT_FOUND.
func (c *HsProvHssConnection) HandlePushProfile(ctx context.Context, req *PushProfileRequest) (*PushProfileAnswer, error) {
	return &PushProfileAnswer{Code: core.NotFound}, nil
}

// HandleRegistrationTermination has no Cx peer to receive a terminate from
// in provisioning-store mode; see HandlePushProfile.
func (c *HsProvHssConnection) HandleRegistrationTermination(ctx context.Context, req *RegistrationTerminationRequest) (*RegistrationTerminationAnswer, error) {
	return &RegistrationTerminationAnswer{Code: core.NotFound}, nil
}
