// Package hssconn implements C6: the HssConnection abstraction that every
// caller uses to reach subscriber data, regardless of whether the deployment
// talks Cx Diameter to a real HSS (DiameterHssConnection) or reads straight
// from the provisioning store (HsProvHssConnection), per spec §4.6.
package hssconn

import (
	"context"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/impustore"
)

// AuthScheme identifies the auth mechanism an MAR/MAA round trip negotiated.
type AuthScheme string

const (
	SchemeDigest  AuthScheme = "digest"
	SchemeAka     AuthScheme = "aka"
	SchemeAkaV2   AuthScheme = "akav2"
	SchemeUnknown AuthScheme = "unknown"
)

// DigestVector is a SIP digest auth vector.
type DigestVector struct {
	HA1   string
	Realm string
	QoP   string
}

// AkaVector carries an AKA challenge and expected response, transport-
// encoded per spec §4.6: Challenge is base64, the rest are lower-case hex.
type AkaVector struct {
	Challenge    string
	Response     string
	CryptKey     string
	IntegrityKey string
}

// MultimediaAuthRequest is the input to SendMultimediaAuth (Cx MAR).
type MultimediaAuthRequest struct {
	Impi   string
	Impu   string
	Scheme AuthScheme
}

// MultimediaAuthAnswer is the result of SendMultimediaAuth (Cx MAA).
type MultimediaAuthAnswer struct {
	Code   core.Code
	Scheme AuthScheme
	Digest *DigestVector
	Aka    *AkaVector
}

// ServerCapabilities lists the server capability AVPs an HSS returns when no
// S-CSCF is currently assigned, spec §3.1.
type ServerCapabilities struct {
	MandatoryCapabilities []int32
	OptionalCapabilities  []int32
}

// UserAuthRequest is the input to SendUserAuth (Cx UAR).
type UserAuthRequest struct {
	Impi           string
	Impu           string
	VisitedNetwork string
}

// UserAuthAnswer is the result of SendUserAuth (Cx UAA).
type UserAuthAnswer struct {
	Code               core.Code
	ServerName         string
	ServerCapabilities ServerCapabilities
}

// LocationInfoRequest is the input to SendLocationInfo (Cx LIR).
type LocationInfoRequest struct {
	Impu string
}

// LocationInfoAnswer is the result of SendLocationInfo (Cx LIA).
//
// ResultCodeRaw carries the raw Diameter/experimental result code verbatim
// for DIAMETER_UNREGISTERED_SERVICE (5032), spec §4.6's "surfaced verbatim,
// not collapsed to a single retryable code" rule: callers that care about
// the distinction inspect ResultCodeRaw; everyone else just uses Code.
type LocationInfoAnswer struct {
	Code               core.Code
	ServerName         string
	ServerCapabilities ServerCapabilities
	ResultCodeRaw      int
}

// ServerAssignmentType mirrors Cx's Server-Assignment-Type AVP, spec §4.6.
type ServerAssignmentType int

const (
	SaNoAssignment ServerAssignmentType = iota
	SaRegistration
	SaReRegistration
	SaUnregisteredUser
	SaTimeoutDeregistration
	SaUserDeregistration
	SaAdministrativeDeregistration
	SaAuthenticationFailure
	SaAuthenticationTimeout
)

func (t ServerAssignmentType) isRegister() bool {
	switch t {
	case SaRegistration, SaReRegistration, SaUnregisteredUser:
		return true
	default:
		return false
	}
}

// ServerAssignmentRequest is the input to SendServerAssignment (Cx SAR).
type ServerAssignmentRequest struct {
	Impi           string
	Impu           string
	AssignmentType ServerAssignmentType
}

// ServerAssignmentAnswer is the result of SendServerAssignment (Cx SAA).
//
// WildcardImpu is set when the HSS assigns a new wildcarded public identity
// (experimental result 5065, Code == core.NewWildcard), spec §4.6.
type ServerAssignmentAnswer struct {
	Code               core.Code
	ImsSubscriptionXML string
	ChargingAddresses  impustore.ChargingAddresses
	WildcardImpu       string
}

type MultimediaAuthCallback func(*MultimediaAuthAnswer, error)
type UserAuthCallback func(*UserAuthAnswer, error)
type LocationInfoCallback func(*LocationInfoAnswer, error)
type ServerAssignmentCallback func(*ServerAssignmentAnswer, error)

// PushProfileRequest is the input to HandlePushProfile (Cx PPR): the HSS
// pushing an updated subscription for req.Impi, to be written into every
// IRS that impi is currently authorized on, spec §2/§3.3.
type PushProfileRequest struct {
	Impi               string
	ImsSubscriptionXML string
	ChargingAddresses  impustore.ChargingAddresses
}

// PushProfileAnswer is the acknowledgement to a PPR (Cx PPA).
type PushProfileAnswer struct {
	Code core.Code
}

// RegistrationTerminationRequest is the input to
// HandleRegistrationTermination (Cx RTR): the HSS withdrawing one or more
// IRSs, named by their default IMPUs, spec §2/§3.3.
type RegistrationTerminationRequest struct {
	Impi  string
	Impus []string
}

// RegistrationTerminationAnswer is the acknowledgement to an RTR (Cx RTA).
type RegistrationTerminationAnswer struct {
	Code core.Code
}

// HssConnection is the single interface every caller uses to reach
// subscriber data, spec §4.6: four async send operations, each completing
// through a typed callback, plus the two inbound operations the HSS itself
// can initiate (spec §2's "On HSS push (PPR/RTR)" path) — these run
// synchronously against whatever updated C3 before acknowledging.
type HssConnection interface {
	SendMultimediaAuth(ctx context.Context, req *MultimediaAuthRequest, cb MultimediaAuthCallback) error
	SendUserAuth(ctx context.Context, req *UserAuthRequest, cb UserAuthCallback) error
	SendLocationInfo(ctx context.Context, req *LocationInfoRequest, cb LocationInfoCallback) error
	SendServerAssignment(ctx context.Context, req *ServerAssignmentRequest, cb ServerAssignmentCallback) error
	HandlePushProfile(ctx context.Context, req *PushProfileRequest) (*PushProfileAnswer, error)
	HandleRegistrationTermination(ctx context.Context, req *RegistrationTerminationRequest) (*RegistrationTerminationAnswer, error)
}

// mapResultCode implements spec §4.6's result-code mapping table. command
// distinguishes the two commands that special-case an experimental result
// (LIR for 5032, SAR for 5065); every other command treats those the same
// as any other unrecognized experimental result.
func mapResultCode(command string, resultCode, experimentalResult int) core.Code {
	switch resultCode {
	case 2001:
		return core.OK
	case 3004:
		return core.Timeout
	case 3002:
		return core.ServerUnavailable
	case 4001:
		return core.Forbidden
	}
	switch experimentalResult {
	case 5001, 5002:
		return core.NotFound
	case 5003:
		return core.Forbidden
	case 5032:
		if command == "LIR" {
			return core.OK
		}
	case 5065:
		if command == "SAR" {
			return core.NewWildcard
		}
	}
	return core.Unknown
}

// ackResultCode is mapResultCode's inverse for the inbound PPR/RTR path:
// it picks the Diameter result code a PPA/RTA carries back for a given
// outcome of handling the push.
func ackResultCode(code core.Code) int {
	switch code {
	case core.OK:
		return 2001
	case core.NotFound:
		return 5001
	case core.Forbidden:
		return 5003
	default:
		return 5012 // DIAMETER_UNABLE_TO_COMPLY
	}
}
