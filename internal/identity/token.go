package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MediaSessionProtocol names the client-facing transport a token was
// issued for.
type MediaSessionProtocol string

const (
	ProtocolWhip   MediaSessionProtocol = "whip"
	ProtocolWhep   MediaSessionProtocol = "whep"
	ProtocolWebRTC MediaSessionProtocol = "webrtc"
	ProtocolRTP    MediaSessionProtocol = "rtpengine"
)

// MediaSessionToken is what verify_media_session yields on success.
type MediaSessionToken struct {
	Room      string
	Peer      string
	Protocol  MediaSessionProtocol
	Publish   bool
	Subscribe bool
	Ts        uint64
}

// MediaConnID is what verify_conn_id yields on success.
type MediaConnID struct {
	NodeID uint32
	ConnID uint64
}

// mediaSessionClaims is the JWT claim set carrying a MediaSessionToken.
type mediaSessionClaims struct {
	jwt.RegisteredClaims
	Room      string               `json:"room"`
	Peer      string               `json:"peer"`
	Protocol  MediaSessionProtocol `json:"protocol"`
	Publish   bool                 `json:"publish"`
	Subscribe bool                 `json:"subscribe"`
}

// connIDClaims is the JWT claim set carrying a MediaConnID.
type connIDClaims struct {
	jwt.RegisteredClaims
	NodeID uint32 `json:"node_id"`
	ConnID uint64 `json:"conn_id"`
}

// TokenSigner issues opaque session tokens. It is the only dynamic-dispatch
// boundary this package exposes — per spec §9 Design Notes, trait-object
// polymorphism is reserved for the process boundary, and the signer plug-in
// is exactly that boundary.
type TokenSigner interface {
	SignMediaSession(tok MediaSessionToken) (string, error)
	SignConnID(id MediaConnID) (string, error)
}

// TokenVerifier verifies opaque session tokens. Verification does no
// network I/O; besides the signing key and the token string, its result
// depends only on the current time, against which the JWT's expiry is
// checked.
type TokenVerifier interface {
	VerifyMediaSession(token string) (MediaSessionToken, bool)
	VerifyConnID(token string) (MediaConnID, bool)
}

// HMACTokenService implements both TokenSigner and TokenVerifier using
// HS256, the same algorithm and key-length floor as the teacher's
// auth.TokenService.
type HMACTokenService struct {
	signingKey []byte
	ttl        time.Duration
}

// NewHMACTokenService builds a signer/verifier keyed by signingKey, which
// must be at least 32 bytes.
func NewHMACTokenService(signingKey string, ttl time.Duration) (*HMACTokenService, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("identity: signing key must be at least 32 bytes")
	}
	return &HMACTokenService{signingKey: []byte(signingKey), ttl: ttl}, nil
}

func (s *HMACTokenService) SignMediaSession(tok MediaSessionToken) (string, error) {
	now := time.Now()
	claims := mediaSessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "sfunode",
		},
		Room:      tok.Room,
		Peer:      tok.Peer,
		Protocol:  tok.Protocol,
		Publish:   tok.Publish,
		Subscribe: tok.Subscribe,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign media session: %w", err)
	}
	return signed, nil
}

func (s *HMACTokenService) SignConnID(id MediaConnID) (string, error) {
	now := time.Now()
	claims := connIDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "sfunode",
		},
		NodeID: id.NodeID,
		ConnID: id.ConnID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign conn id: %w", err)
	}
	return signed, nil
}

func (s *HMACTokenService) VerifyMediaSession(token string) (MediaSessionToken, bool) {
	parsed, err := jwt.ParseWithClaims(token, &mediaSessionClaims{}, s.keyFunc)
	if err != nil || !parsed.Valid {
		return MediaSessionToken{}, false
	}
	claims, ok := parsed.Claims.(*mediaSessionClaims)
	if !ok {
		return MediaSessionToken{}, false
	}
	var ts uint64
	if claims.IssuedAt != nil {
		ts = uint64(claims.IssuedAt.Unix())
	}
	return MediaSessionToken{
		Room:      claims.Room,
		Peer:      claims.Peer,
		Protocol:  claims.Protocol,
		Publish:   claims.Publish,
		Subscribe: claims.Subscribe,
		Ts:        ts,
	}, true
}

func (s *HMACTokenService) VerifyConnID(token string) (MediaConnID, bool) {
	parsed, err := jwt.ParseWithClaims(token, &connIDClaims{}, s.keyFunc)
	if err != nil || !parsed.Valid {
		return MediaConnID{}, false
	}
	claims, ok := parsed.Claims.(*connIDClaims)
	if !ok {
		return MediaConnID{}, false
	}
	return MediaConnID{NodeID: claims.NodeID, ConnID: claims.ConnID}, true
}

func (s *HMACTokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.signingKey, nil
}
