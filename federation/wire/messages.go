package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aswarm/evolution-core/evoerr"
)

// NonceSize is the required nonce length on every request.
const NonceSize = 16

// Message is implemented by every wire type; the gRPC codec round-trips
// through it.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

// Signed is implemented by request messages carrying the replay/auth
// tail. SignView returns the canonical bytes covered by the signature:
// every field except the auth oneof.
type Signed interface {
	Message
	SignView() []byte
	AuthFields() (keyID string, sigEd25519, sigHMAC []byte)
	SetAuthEd25519(keyID string, sig []byte)
	SetAuthHMAC(keyID string, sig []byte)
	Nonce() []byte
	FillNonce() error
	Tail() (seq uint64, ts int64)
}

// --- encode helpers; zero values are omitted, proto3 style ---

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUvarint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	return appendUvarint(b, num, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	if len(body) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// --- decode helpers ---

func errTruncated(msg string) error {
	return fmt.Errorf("wire: truncated %s", msg)
}

func consumeString(b []byte, typ protowire.Type, msg string) (string, []byte, error) {
	if typ != protowire.BytesType {
		return "", nil, fmt.Errorf("wire: %s has wire type %d, want bytes", msg, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", nil, errTruncated(msg)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte, typ protowire.Type, msg string) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, nil, fmt.Errorf("wire: %s has wire type %d, want bytes", msg, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, errTruncated(msg)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, b[n:], nil
}

func consumeVarint(b []byte, typ protowire.Type, msg string) (uint64, []byte, error) {
	if typ != protowire.VarintType {
		return 0, nil, fmt.Errorf("wire: %s has wire type %d, want varint", msg, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, errTruncated(msg)
	}
	return v, b[n:], nil
}

func consumeDouble(b []byte, typ protowire.Type, msg string) (float64, []byte, error) {
	if typ != protowire.Fixed64Type {
		return 0, nil, fmt.Errorf("wire: %s has wire type %d, want fixed64", msg, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, nil, errTruncated(msg)
	}
	return math.Float64frombits(v), b[n:], nil
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, errTruncated(fmt.Sprintf("field %d", num))
	}
	return b[n:], nil
}

// SketchMetadata describes the sketch being shared.
type SketchMetadata struct {
	ClusterID           string
	AntibodyID          string
	AntibodyPhase       AntibodyPhase
	SignatureType       SignatureType
	BlastRadius         BlastRadius
	CardinalityEstimate uint64
	CreatedAtUnix       int64
	ConfidenceLevel     float64
	SketchHash          []byte
}

func (m *SketchMetadata) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ClusterID)
	b = appendString(b, 2, m.AntibodyID)
	b = appendEnum(b, 3, int32(m.AntibodyPhase))
	b = appendEnum(b, 4, int32(m.SignatureType))
	b = appendEnum(b, 5, int32(m.BlastRadius))
	b = appendUvarint(b, 6, m.CardinalityEstimate)
	b = appendInt64(b, 7, m.CreatedAtUnix)
	b = appendDouble(b, 8, m.ConfidenceLevel)
	b = appendBytes(b, 9, m.SketchHash)
	return b, nil
}

func (m *SketchMetadata) UnmarshalWire(data []byte) error {
	*m = SketchMetadata{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("metadata tag")
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		case 2:
			m.AntibodyID, b, err = consumeString(b, typ, "antibody_id")
		case 3:
			var v uint64
			v, b, err = consumeVarint(b, typ, "antibody_phase")
			m.AntibodyPhase = AntibodyPhase(v)
		case 4:
			var v uint64
			v, b, err = consumeVarint(b, typ, "signature_type")
			m.SignatureType = SignatureType(v)
		case 5:
			var v uint64
			v, b, err = consumeVarint(b, typ, "blast_radius")
			m.BlastRadius = BlastRadius(v)
		case 6:
			m.CardinalityEstimate, b, err = consumeVarint(b, typ, "cardinality_estimate")
		case 7:
			var v uint64
			v, b, err = consumeVarint(b, typ, "created_at_unix")
			m.CreatedAtUnix = int64(v)
		case 8:
			m.ConfidenceLevel, b, err = consumeDouble(b, typ, "confidence_level")
		case 9:
			m.SketchHash, b, err = consumeBytes(b, typ, "sketch_hash")
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return m.Validate()
}

// Validate rejects out-of-set enum values.
func (m *SketchMetadata) Validate() error {
	if err := m.AntibodyPhase.validate(); err != nil {
		return err
	}
	if err := m.SignatureType.validate(); err != nil {
		return err
	}
	return m.BlastRadius.validate()
}

// replayTail is the shared anti-replay and auth block on every request.
type replayTail struct {
	SequenceNumber uint64
	NonceBytes     []byte
	TimestampUnix  int64
	KeyID          string
	SigEd25519     []byte
	SigHMAC        []byte
}

func (t *replayTail) appendTail(b []byte, includeAuth bool) []byte {
	b = appendUvarint(b, 10, t.SequenceNumber)
	b = appendBytes(b, 11, t.NonceBytes)
	b = appendInt64(b, 12, t.TimestampUnix)
	b = appendString(b, 13, t.KeyID)
	if includeAuth {
		b = appendBytes(b, 14, t.SigEd25519)
		b = appendBytes(b, 15, t.SigHMAC)
	}
	return b
}

// consumeTail handles fields 10..15; returns (rest, true, err) when the
// field number belonged to the tail.
func (t *replayTail) consumeTail(b []byte, num protowire.Number, typ protowire.Type) ([]byte, bool, error) {
	var err error
	switch num {
	case 10:
		t.SequenceNumber, b, err = consumeVarint(b, typ, "sequence_number")
	case 11:
		t.NonceBytes, b, err = consumeBytes(b, typ, "nonce_bytes")
	case 12:
		var v uint64
		v, b, err = consumeVarint(b, typ, "timestamp_unix")
		t.TimestampUnix = int64(v)
	case 13:
		t.KeyID, b, err = consumeString(b, typ, "key_id")
	case 14:
		t.SigEd25519, b, err = consumeBytes(b, typ, "signature_ed25519")
	case 15:
		t.SigHMAC, b, err = consumeBytes(b, typ, "signature_hmac")
	default:
		return b, false, nil
	}
	return b, true, err
}

func (t *replayTail) validateTail() error {
	if len(t.NonceBytes) != NonceSize {
		return evoerr.New(evoerr.KindSignatureInvalid, "nonce is %d bytes, want %d", len(t.NonceBytes), NonceSize)
	}
	if len(t.SigEd25519) > 0 && len(t.SigHMAC) > 0 {
		return evoerr.New(evoerr.KindSignatureInvalid, "both auth variants set")
	}
	return nil
}

// AuthFields exposes the auth oneof for verification.
func (t *replayTail) AuthFields() (string, []byte, []byte) {
	return t.KeyID, t.SigEd25519, t.SigHMAC
}

// SetAuthEd25519 selects the Ed25519 auth variant.
func (t *replayTail) SetAuthEd25519(keyID string, sig []byte) {
	t.KeyID = keyID
	t.SigEd25519 = sig
	t.SigHMAC = nil
}

// SetAuthHMAC selects the HMAC-SHA256 auth variant.
func (t *replayTail) SetAuthHMAC(keyID string, sig []byte) {
	t.KeyID = keyID
	t.SigHMAC = sig
	t.SigEd25519 = nil
}

// Nonce returns the request nonce.
func (t *replayTail) Nonce() []byte { return t.NonceBytes }

// Tail returns the anti-replay sequence number and timestamp.
func (t *replayTail) Tail() (uint64, int64) { return t.SequenceNumber, t.TimestampUnix }

// ShareSketchRequest pushes one signed sketch.
type ShareSketchRequest struct {
	ClusterID  string
	SketchData []byte
	Metadata   *SketchMetadata
	replayTail
}

func (m *ShareSketchRequest) marshal(includeAuth bool) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ClusterID)
	b = appendBytes(b, 2, m.SketchData)
	if m.Metadata != nil {
		body, err := m.Metadata.MarshalWire()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 3, body)
	}
	return m.appendTail(b, includeAuth), nil
}

func (m *ShareSketchRequest) MarshalWire() ([]byte, error) { return m.marshal(true) }

// SignView is the canonical signed byte string: the full message minus
// the auth oneof.
func (m *ShareSketchRequest) SignView() []byte {
	b, _ := m.marshal(false)
	return b
}

func (m *ShareSketchRequest) UnmarshalWire(data []byte) error {
	*m = ShareSketchRequest{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("share request tag")
		}
		b = b[n:]
		var err error
		var handled bool
		switch num {
		case 1:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		case 2:
			m.SketchData, b, err = consumeBytes(b, typ, "sketch_data")
		case 3:
			var body []byte
			body, b, err = consumeBytes(b, typ, "metadata")
			if err == nil {
				m.Metadata = &SketchMetadata{}
				err = m.Metadata.UnmarshalWire(body)
			}
		default:
			if b, handled, err = m.consumeTail(b, num, typ); err == nil && !handled {
				b, err = skipField(b, num, typ)
			}
		}
		if err != nil {
			return err
		}
	}
	return m.Validate()
}

// Validate checks the request shape ahead of signature verification.
func (m *ShareSketchRequest) Validate() error {
	if err := m.validateTail(); err != nil {
		return err
	}
	if m.Metadata != nil {
		return m.Metadata.Validate()
	}
	return nil
}

// ShareSketchResponse acknowledges or rejects a share.
type ShareSketchResponse struct {
	Success         bool
	ErrorCode       ErrorCode
	Message         string
	ReceiverID      string
	ProcessedAtUnix int64
}

func (m *ShareSketchResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBool(b, 1, m.Success)
	b = appendEnum(b, 2, int32(m.ErrorCode))
	b = appendString(b, 3, m.Message)
	b = appendString(b, 4, m.ReceiverID)
	b = appendInt64(b, 5, m.ProcessedAtUnix)
	return b, nil
}

func (m *ShareSketchResponse) UnmarshalWire(data []byte) error {
	*m = ShareSketchResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("share response tag")
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, b, err = consumeVarint(b, typ, "success")
			m.Success = v != 0
		case 2:
			var v uint64
			v, b, err = consumeVarint(b, typ, "error_code")
			m.ErrorCode = ErrorCode(v)
		case 3:
			m.Message, b, err = consumeString(b, typ, "message")
		case 4:
			m.ReceiverID, b, err = consumeString(b, typ, "receiver_id")
		case 5:
			var v uint64
			v, b, err = consumeVarint(b, typ, "processed_at_unix")
			m.ProcessedAtUnix = int64(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return m.ErrorCode.validate()
}

// RequestSketchRequest asks a peer for recent sketches.
type RequestSketchRequest struct {
	ClusterID string
	SinceUnix int64
	Limit     uint32
	replayTail
}

func (m *RequestSketchRequest) marshal(includeAuth bool) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ClusterID)
	b = appendInt64(b, 2, m.SinceUnix)
	b = appendUvarint(b, 3, uint64(m.Limit))
	return m.appendTail(b, includeAuth), nil
}

func (m *RequestSketchRequest) MarshalWire() ([]byte, error) { return m.marshal(true) }

func (m *RequestSketchRequest) SignView() []byte {
	b, _ := m.marshal(false)
	return b
}

func (m *RequestSketchRequest) UnmarshalWire(data []byte) error {
	*m = RequestSketchRequest{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("request tag")
		}
		b = b[n:]
		var err error
		var handled bool
		switch num {
		case 1:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		case 2:
			var v uint64
			v, b, err = consumeVarint(b, typ, "since_unix")
			m.SinceUnix = int64(v)
		case 3:
			var v uint64
			v, b, err = consumeVarint(b, typ, "limit")
			m.Limit = uint32(v)
		default:
			if b, handled, err = m.consumeTail(b, num, typ); err == nil && !handled {
				b, err = skipField(b, num, typ)
			}
		}
		if err != nil {
			return err
		}
	}
	return m.validateTail()
}

// SketchRecord pairs one sketch with its metadata.
type SketchRecord struct {
	Metadata   *SketchMetadata
	SketchData []byte
}

func (m *SketchRecord) MarshalWire() ([]byte, error) {
	var b []byte
	if m.Metadata != nil {
		body, err := m.Metadata.MarshalWire()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 1, body)
	}
	b = appendBytes(b, 2, m.SketchData)
	return b, nil
}

func (m *SketchRecord) UnmarshalWire(data []byte) error {
	*m = SketchRecord{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("record tag")
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var body []byte
			body, b, err = consumeBytes(b, typ, "metadata")
			if err == nil {
				m.Metadata = &SketchMetadata{}
				err = m.Metadata.UnmarshalWire(body)
			}
		case 2:
			m.SketchData, b, err = consumeBytes(b, typ, "sketch_data")
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RequestSketchResponse carries the requested sketches.
type RequestSketchResponse struct {
	Success         bool
	ErrorCode       ErrorCode
	Sketches        []*SketchRecord
	ClusterID       string
	RespondedAtUnix int64
}

func (m *RequestSketchResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBool(b, 1, m.Success)
	b = appendEnum(b, 2, int32(m.ErrorCode))
	for _, rec := range m.Sketches {
		body, err := rec.MarshalWire()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	b = appendString(b, 4, m.ClusterID)
	b = appendInt64(b, 5, m.RespondedAtUnix)
	return b, nil
}

func (m *RequestSketchResponse) UnmarshalWire(data []byte) error {
	*m = RequestSketchResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("response tag")
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, b, err = consumeVarint(b, typ, "success")
			m.Success = v != 0
		case 2:
			var v uint64
			v, b, err = consumeVarint(b, typ, "error_code")
			m.ErrorCode = ErrorCode(v)
		case 3:
			var body []byte
			body, b, err = consumeBytes(b, typ, "sketches")
			if err == nil {
				rec := &SketchRecord{}
				if err = rec.UnmarshalWire(body); err == nil {
					m.Sketches = append(m.Sketches, rec)
				}
			}
		case 4:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		case 5:
			var v uint64
			v, b, err = consumeVarint(b, typ, "responded_at_unix")
			m.RespondedAtUnix = int64(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return m.ErrorCode.validate()
}

// HealthReportRequest probes a peer.
type HealthReportRequest struct {
	ClusterID string
	replayTail
}

func (m *HealthReportRequest) marshal(includeAuth bool) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ClusterID)
	return m.appendTail(b, includeAuth), nil
}

func (m *HealthReportRequest) MarshalWire() ([]byte, error) { return m.marshal(true) }

func (m *HealthReportRequest) SignView() []byte {
	b, _ := m.marshal(false)
	return b
}

func (m *HealthReportRequest) UnmarshalWire(data []byte) error {
	*m = HealthReportRequest{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("health request tag")
		}
		b = b[n:]
		var err error
		var handled bool
		switch num {
		case 1:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		default:
			if b, handled, err = m.consumeTail(b, num, typ); err == nil && !handled {
				b, err = skipField(b, num, typ)
			}
		}
		if err != nil {
			return err
		}
	}
	return m.validateTail()
}

// HealthReportResponse describes this cluster's state.
type HealthReportResponse struct {
	ClusterID      string
	Status         HealthStatus
	SketchCount    int64
	LastUpdateUnix int64
	Version        string
	Capabilities   []string
	Load           float64
}

func (m *HealthReportResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ClusterID)
	b = appendEnum(b, 2, int32(m.Status))
	b = appendInt64(b, 3, m.SketchCount)
	b = appendInt64(b, 4, m.LastUpdateUnix)
	b = appendString(b, 5, m.Version)
	for _, c := range m.Capabilities {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	b = appendDouble(b, 7, m.Load)
	return b, nil
}

func (m *HealthReportResponse) UnmarshalWire(data []byte) error {
	*m = HealthReportResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated("health response tag")
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.ClusterID, b, err = consumeString(b, typ, "cluster_id")
		case 2:
			var v uint64
			v, b, err = consumeVarint(b, typ, "status")
			m.Status = HealthStatus(v)
		case 3:
			var v uint64
			v, b, err = consumeVarint(b, typ, "sketch_count")
			m.SketchCount = int64(v)
		case 4:
			var v uint64
			v, b, err = consumeVarint(b, typ, "last_update_unix")
			m.LastUpdateUnix = int64(v)
		case 5:
			m.Version, b, err = consumeString(b, typ, "version")
		case 6:
			var c string
			c, b, err = consumeString(b, typ, "capabilities")
			m.Capabilities = append(m.Capabilities, c)
		case 7:
			m.Load, b, err = consumeDouble(b, typ, "load")
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return m.Status.validate()
}
