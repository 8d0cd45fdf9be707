/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	serverNonceLength = 12
	serverSaltLength  = 8
	defaultIteration  = 4096
	minimumIteration  = 4096
)

type scramServerState int

const (
	serverInitialized scramServerState = iota
	serverInitialResponseReceived
	serverChallengeSent
	serverFinalResponseReceived
	serverCompleted
)

// ScramServer is the receiving party of a SCRAM negotiation.
// Instances are not safe for concurrent use.
type ScramServer struct {
	scram      *ScramMechanism
	retriever  CredentialRetriever
	state      scramServerState
	err        *AuthenticationError
	properties map[string]interface{}

	serverNonce    string
	fullNonce      string
	gs2Header      string
	username       string
	authzID        string
	salt           []byte
	iteration      int
	saltedPassword []byte
}

// NewScramServer returns a SCRAM server party for a given mechanism
// kernel. The retriever must be able to provide either a plain
// password, or the salted password along with its salt and iteration
// count.
func NewScramServer(scram *ScramMechanism, retriever CredentialRetriever) *ScramServer {
	nonce := make([]byte, serverNonceLength)
	rand.Read(nonce)
	return &ScramServer{
		scram:       scram,
		retriever:   retriever,
		serverNonce: base64.StdEncoding.EncodeToString(nonce),
		properties:  map[string]interface{}{},
	}
}

// Mechanism returns the negotiating mechanism name.
func (s *ScramServer) Mechanism() string {
	return s.scram.Name()
}

// AcceptResponse consumes a client-first or client-final message.
func (s *ScramServer) AcceptResponse(response []byte) {
	switch s.state {
	case serverInitialized:
		s.consumeInitialResponse(string(response))
		if s.state == serverInitialized {
			s.state = serverInitialResponseReceived
		}
	case serverChallengeSent:
		s.consumeFinalResponse(string(response))
		if s.state == serverChallengeSent {
			s.state = serverFinalResponseReceived
		}
	default:
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "not expecting a response"))
	}
}

// Challenge produces the next challenge to send to the client. On the
// transition to the completed state it carries either the server
// signature or an error reason.
func (s *ScramServer) Challenge() []byte {
	switch s.state {
	case serverInitialResponseReceived:
		s.state = serverChallengeSent
		return []byte(s.serverFirst())
	case serverFinalResponseReceived:
		s.state = serverCompleted
		if s.err != nil {
			return []byte("e=" + s.err.Error())
		}
		s.prepareNegotiatedProperties()
		return []byte(s.serverFinal())
	default:
		return nil
	}
}

// IsCompleted returns true once the negotiation reached a terminal
// state, either successfully or with an error.
func (s *ScramServer) IsCompleted() bool {
	return s.state == serverCompleted
}

// Error returns the terminal authentication error, or nil.
func (s *ScramServer) Error() *AuthenticationError {
	return s.err
}

// NegotiatedProperties exposes the salt, salted password and iteration
// count after a successful negotiation.
func (s *ScramServer) NegotiatedProperties() map[string]interface{} {
	return s.properties
}

// AuthorizationID returns the negotiated authorization identity,
// defaulting to the authenticated username.
func (s *ScramServer) AuthorizationID() string {
	if len(s.authzID) > 0 {
		return s.authzID
	}
	return s.username
}

func (s *ScramServer) consumeInitialResponse(response string) {
	params, err := ConvertMessageToMap(response, true)
	if err != nil {
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid client-first syntax"))
		return
	}
	if params[gs2CBindFlagKey] != "n" {
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "channel binding not supported"))
		return
	}
	if _, ok := params["m"]; ok {
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "extension not supported"))
		return
	}
	s.gs2Header = params[gs2HeaderKey]
	s.authzID = params["a"]

	username, err := UnescapeUsername(params["n"])
	if err != nil || len(username) == 0 {
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid username"))
		return
	}
	s.username = username

	clientNonce := params["r"]
	if len(clientNonce) == 0 {
		s.fail(NewAuthenticationErrorWithText(MalformedRequest, "empty nonce"))
		return
	}
	s.fullNonce = clientNonce + s.serverNonce
}

func (s *ScramServer) serverFirst() string {
	if s.err != nil {
		return ""
	}
	if err := s.fetchSaltedPassword(); err != nil {
		s.fail(err)
		return ""
	}
	return "r=" + s.fullNonce +
		",s=" + base64.StdEncoding.EncodeToString(s.salt) +
		",i=" + strconv.Itoa(s.iteration)
}

func (s *ScramServer) consumeFinalResponse(response string) {
	if s.err != nil {
		// carry the earlier failure into the server-final message
		return
	}
	params, err := ConvertMessageToMap(response, false)
	if err != nil {
		s.failSoft(NewAuthenticationErrorWithText(MalformedRequest, "invalid client-final syntax"))
		return
	}
	if _, ok := params["m"]; ok {
		s.failSoft(NewAuthenticationErrorWithText(MalformedRequest, "extension not supported"))
		return
	}
	if params["c"] != base64.StdEncoding.EncodeToString([]byte(s.gs2Header)) {
		s.failSoft(NewAuthenticationErrorWithText(MalformedRequest, "channel binding mismatch"))
		return
	}
	if params["r"] != s.fullNonce {
		s.failSoft(NewAuthenticationErrorWithText(ClientNotAuthorized, "nonce mismatch"))
		return
	}
	clientKey := s.scram.ClientKey(s.saltedPassword)
	storedKey := s.scram.StoredKey(clientKey)
	clientSig := s.scram.ClientSignature(storedKey, s.authMessage())
	expectedProof := ClientProof(clientKey, clientSig)

	proof, err := base64.StdEncoding.DecodeString(params["p"])
	if err != nil || !hmac.Equal(proof, expectedProof) {
		s.failSoft(NewAuthenticationErrorWithText(ClientNotAuthorized, "client proof incorrect"))
	}
}

func (s *ScramServer) serverFinal() string {
	serverSig := s.scram.ServerSignature(s.scram.ServerKey(s.saltedPassword), s.authMessage())
	return "v=" + base64.StdEncoding.EncodeToString(serverSig)
}

func (s *ScramServer) authMessage() string {
	clientNonce := strings.TrimSuffix(s.fullNonce, s.serverNonce)
	return s.scram.AuthMessage(clientNonce, s.fullNonce, s.username, s.salt, s.iteration, s.gs2Header)
}

func (s *ScramServer) fetchSaltedPassword() *AuthenticationError {
	if s.retriever == nil {
		return NewAuthenticationError(ClientNotAuthorized)
	}
	sp, _ := s.retriever(s.username, s.Mechanism(), KeySaltedPassword)
	if saltedPassword, ok := sp.([]byte); ok && len(saltedPassword) > 0 {
		salt, _ := s.retriever(s.username, s.Mechanism(), KeySalt)
		iteration, _ := s.retriever(s.username, s.Mechanism(), KeyIteration)
		if sl, ok := salt.([]byte); ok && len(sl) > 0 {
			if it, ok := iteration.(int); ok && it >= minimumIteration {
				s.saltedPassword = saltedPassword
				s.salt = sl
				s.iteration = it
				return nil
			}
		}
	}
	return s.generateSaltedPassword()
}

func (s *ScramServer) generateSaltedPassword() *AuthenticationError {
	v, err := s.retriever(s.username, s.Mechanism(), KeyPassword)
	if err != nil || v == nil {
		return NewAuthenticationError(ClientNotAuthorized)
	}
	password, ok := v.(string)
	if !ok {
		return NewAuthenticationError(ClientNotAuthorized)
	}
	s.salt = make([]byte, serverSaltLength)
	rand.Read(s.salt)
	s.iteration = defaultIteration
	s.saltedPassword = s.scram.SaltedPassword(password, s.salt, s.iteration)
	return nil
}

func (s *ScramServer) prepareNegotiatedProperties() {
	s.properties[KeySalt] = s.salt
	s.properties[KeySaltedPassword] = s.saltedPassword
	s.properties[KeyIteration] = s.iteration
}

func (s *ScramServer) fail(err *AuthenticationError) {
	s.err = err
	s.state = serverCompleted
}

// failSoft records the error but lets the exchange continue so the
// failure reason can still be delivered inside the server-final message.
func (s *ScramServer) failSoft(err *AuthenticationError) {
	if s.err == nil {
		s.err = err
	}
}
