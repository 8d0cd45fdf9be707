/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramMechanism is the stateless cryptographic kernel shared by the
// SCRAM client and server parties, parameterized by a digest and its
// HMAC as defined in RFC 5802.
type ScramMechanism struct {
	algorithm string
	h         func() hash.Hash
}

// NewScramSHA1 returns a SCRAM-SHA-1 mechanism kernel.
func NewScramSHA1() *ScramMechanism {
	return &ScramMechanism{algorithm: "SHA-1", h: sha1.New}
}

// NewScramSHA256 returns a SCRAM-SHA-256 mechanism kernel.
func NewScramSHA256() *ScramMechanism {
	return &ScramMechanism{algorithm: "SHA-256", h: sha256.New}
}

// Algorithm returns the digest algorithm name.
func (m *ScramMechanism) Algorithm() string {
	return m.algorithm
}

// Name returns the full SASL mechanism name.
func (m *ScramMechanism) Name() string {
	return "SCRAM-" + m.algorithm
}

// SaltedPassword computes a salted password using the HMAC variant of
// PBKDF2. Output length equals the digest length.
func (m *ScramMechanism) SaltedPassword(password string, salt []byte, iteration int) []byte {
	return pbkdf2.Key([]byte(password), salt, iteration, m.h().Size(), m.h)
}

// ClientKey derives the client key from a salted password.
func (m *ScramMechanism) ClientKey(saltedPassword []byte) []byte {
	return m.hmac([]byte("Client Key"), saltedPassword)
}

// ServerKey derives the server key from a salted password.
func (m *ScramMechanism) ServerKey(saltedPassword []byte) []byte {
	return m.hmac([]byte("Server Key"), saltedPassword)
}

// StoredKey derives the stored key from a client key.
func (m *ScramMechanism) StoredKey(clientKey []byte) []byte {
	return m.hash(clientKey)
}

// AuthMessage assembles the canonical SCRAM authentication message out
// of the client-first-bare, server-first and client-final-without-proof
// messages.
func (m *ScramMechanism) AuthMessage(clientNonce, fullNonce, username string, salt []byte, iteration int, gs2Header string) string {
	clientFirstBare := "n=" + EscapeUsername(username) + ",r=" + clientNonce
	serverFirst := "r=" + fullNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=" + strconv.Itoa(iteration)
	clientFinalBare := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + fullNonce
	return clientFirstBare + "," + serverFirst + "," + clientFinalBare
}

// ClientSignature computes the client signature over an authentication message.
func (m *ScramMechanism) ClientSignature(storedKey []byte, authMessage string) []byte {
	return m.hmac([]byte(authMessage), storedKey)
}

// ServerSignature computes the server signature over an authentication message.
func (m *ScramMechanism) ServerSignature(serverKey []byte, authMessage string) []byte {
	return m.hmac([]byte(authMessage), serverKey)
}

// ClientProof computes the client proof out of a client key and a client signature.
func ClientProof(clientKey, clientSignature []byte) []byte {
	proof := make([]byte, len(clientKey))
	for i := 0; i < len(clientKey); i++ {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return proof
}

func (m *ScramMechanism) hmac(b []byte, key []byte) []byte {
	mac := hmac.New(m.h, key)
	mac.Write(b)
	return mac.Sum(nil)
}

func (m *ScramMechanism) hash(b []byte) []byte {
	h := m.h()
	h.Write(b)
	return h.Sum(nil)
}

// gs2 pseudo keys produced by ConvertMessageToMap.
const (
	gs2HeaderKey    = "gs2-header"
	gs2CBindFlagKey = "gs2-cbind-flag"
)

// ConvertMessageToMap decodes a SCRAM message into its key-value
// fields. When hasGS2Header is true the first fields carry the gs2
// header, exposed under the "gs2-header" and "gs2-cbind-flag" pseudo
// keys; the authorization identity remains under "a". Values split on
// the first '=' occurrence only.
func ConvertMessageToMap(message string, hasGS2Header bool) (map[string]string, error) {
	params := map[string]string{}
	fields := strings.Split(message, ",")

	if hasGS2Header {
		if len(fields) < 2 {
			return nil, fmt.Errorf("sasl: malformed gs2 header: %q", message)
		}
		cbindFlag := fields[0]
		switch {
		case cbindFlag == "n" || cbindFlag == "y":
			break
		case strings.HasPrefix(cbindFlag, "p="):
			break
		default:
			return nil, fmt.Errorf("sasl: invalid gs2 channel binding flag: %q", cbindFlag)
		}
		authzID := fields[1]
		if len(authzID) > 0 {
			key, val := splitKeyAndValue(authzID)
			if key != "a" {
				return nil, fmt.Errorf("sasl: malformed gs2 authorization identity: %q", authzID)
			}
			params["a"] = val
		}
		params[gs2CBindFlagKey] = cbindFlag
		params[gs2HeaderKey] = cbindFlag + "," + authzID + ","
		fields = fields[2:]
	}
	for _, field := range fields {
		if len(field) == 0 {
			continue
		}
		key, val := splitKeyAndValue(field)
		if len(key) == 0 {
			return nil, fmt.Errorf("sasl: malformed message field: %q", field)
		}
		params[key] = val
	}
	return params, nil
}

func splitKeyAndValue(field string) (key string, value string) {
	sp := strings.SplitN(field, "=", 2)
	if len(sp) != 2 {
		return sp[0], ""
	}
	return sp[0], sp[1]
}

// EscapeUsername encodes the characters reserved by the SCRAM
// message syntax.
func EscapeUsername(username string) string {
	username = strings.Replace(username, "=", "=3D", -1)
	return strings.Replace(username, ",", "=2C", -1)
}

// UnescapeUsername reverses EscapeUsername. Any '=' sequence other
// than the two defined escapes is a malformed request.
func UnescapeUsername(username string) (string, error) {
	for i := 0; i < len(username); i++ {
		if username[i] != '=' {
			continue
		}
		if i+3 > len(username) {
			return "", fmt.Errorf("sasl: malformed username escape: %q", username)
		}
		switch username[i+1 : i+3] {
		case "2C", "3D":
			i += 2
		default:
			return "", fmt.Errorf("sasl: malformed username escape: %q", username)
		}
	}
	username = strings.Replace(username, "=2C", ",", -1)
	return strings.Replace(username, "=3D", "=", -1), nil
}
