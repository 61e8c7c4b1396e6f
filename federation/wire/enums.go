// Package wire carries the federation RPC messages as hand-encoded
// protowire types. The authoritative field layout lives in
// federation/proto/federation.proto; the two must change together.
package wire

import "github.com/aswarm/evolution-core/evoerr"

// AntibodyPhase mirrors the lifecycle phases on the wire. The set is
// closed; decoding rejects unknown values.
type AntibodyPhase int32

const (
	AntibodyPhaseUnspecified AntibodyPhase = 0
	AntibodyPhasePending     AntibodyPhase = 1
	AntibodyPhaseShadow      AntibodyPhase = 2
	AntibodyPhaseStaged      AntibodyPhase = 3
	AntibodyPhaseCanary      AntibodyPhase = 4
	AntibodyPhaseActive      AntibodyPhase = 5
	AntibodyPhaseRetired     AntibodyPhase = 6
)

func (p AntibodyPhase) String() string {
	switch p {
	case AntibodyPhasePending:
		return "pending"
	case AntibodyPhaseShadow:
		return "shadow"
	case AntibodyPhaseStaged:
		return "staged"
	case AntibodyPhaseCanary:
		return "canary"
	case AntibodyPhaseActive:
		return "active"
	case AntibodyPhaseRetired:
		return "retired"
	default:
		return "unspecified"
	}
}

func (p AntibodyPhase) validate() error {
	if p < AntibodyPhaseUnspecified || p > AntibodyPhaseRetired {
		return evoerr.New(evoerr.KindInvalidSpec, "unknown antibody phase %d", p)
	}
	return nil
}

// PhaseFromString maps a lifecycle phase name to its wire enum.
func PhaseFromString(s string) AntibodyPhase {
	switch s {
	case "pending":
		return AntibodyPhasePending
	case "shadow":
		return AntibodyPhaseShadow
	case "staged":
		return AntibodyPhaseStaged
	case "canary":
		return AntibodyPhaseCanary
	case "active":
		return AntibodyPhaseActive
	case "retired":
		return AntibodyPhaseRetired
	default:
		return AntibodyPhaseUnspecified
	}
}

// SignatureType classifies what the sketch counts.
type SignatureType int32

const (
	SignatureTypeUnspecified SignatureType = 0
	SignatureTypeIOCHash     SignatureType = 1
	SignatureTypeBehavioral  SignatureType = 2
	SignatureTypeNetwork     SignatureType = 3
	SignatureTypeProcess     SignatureType = 4
)

func (t SignatureType) String() string {
	switch t {
	case SignatureTypeIOCHash:
		return "ioc_hash"
	case SignatureTypeBehavioral:
		return "behavioral"
	case SignatureTypeNetwork:
		return "network"
	case SignatureTypeProcess:
		return "process"
	default:
		return "unspecified"
	}
}

func (t SignatureType) validate() error {
	if t < SignatureTypeUnspecified || t > SignatureTypeProcess {
		return evoerr.New(evoerr.KindInvalidSpec, "unknown signature type %d", t)
	}
	return nil
}

// SignatureTypeFromString maps a name back to the wire enum.
func SignatureTypeFromString(s string) SignatureType {
	switch s {
	case "ioc_hash":
		return SignatureTypeIOCHash
	case "behavioral":
		return SignatureTypeBehavioral
	case "network":
		return SignatureTypeNetwork
	case "process":
		return SignatureTypeProcess
	default:
		return SignatureTypeUnspecified
	}
}

// BlastRadius is the containment ring observed for the antibody.
type BlastRadius int32

const (
	BlastRadiusUnspecified BlastRadius = 0
	BlastRadiusRing1       BlastRadius = 1
	BlastRadiusRing2       BlastRadius = 2
	BlastRadiusRing3       BlastRadius = 3
	BlastRadiusRing4       BlastRadius = 4
	BlastRadiusRing5       BlastRadius = 5
)

func (r BlastRadius) validate() error {
	if r < BlastRadiusUnspecified || r > BlastRadiusRing5 {
		return evoerr.New(evoerr.KindInvalidSpec, "unknown blast radius %d", r)
	}
	return nil
}

// ErrorCode labels federation rejections on the wire.
type ErrorCode int32

const (
	ErrorCodeUnspecified         ErrorCode = 0
	ErrorCodeRateLimited         ErrorCode = 1
	ErrorCodeInvalidSignature    ErrorCode = 2
	ErrorCodeReplayDetected      ErrorCode = 3
	ErrorCodeTrustBelowThreshold ErrorCode = 4
	ErrorCodeInvalidSketch       ErrorCode = 5
	ErrorCodeInternalError       ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeRateLimited:
		return "rate_limited"
	case ErrorCodeInvalidSignature:
		return "invalid_signature"
	case ErrorCodeReplayDetected:
		return "replay_detected"
	case ErrorCodeTrustBelowThreshold:
		return "trust_below_threshold"
	case ErrorCodeInvalidSketch:
		return "invalid_sketch"
	case ErrorCodeInternalError:
		return "internal_error"
	default:
		return "unspecified"
	}
}

func (c ErrorCode) validate() error {
	if c < ErrorCodeUnspecified || c > ErrorCodeInternalError {
		return evoerr.New(evoerr.KindInvalidSpec, "unknown error code %d", c)
	}
	return nil
}

// HealthStatus reports a peer's self-assessed health.
type HealthStatus int32

const (
	HealthStatusUnspecified HealthStatus = 0
	HealthStatusHealthy     HealthStatus = 1
	HealthStatusDegraded    HealthStatus = 2
	HealthStatusUnhealthy   HealthStatus = 3
)

func (h HealthStatus) validate() error {
	if h < HealthStatusUnspecified || h > HealthStatusUnhealthy {
		return evoerr.New(evoerr.KindInvalidSpec, "unknown health status %d", h)
	}
	return nil
}
