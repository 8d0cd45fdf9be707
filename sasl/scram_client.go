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

const clientNonceLength = 12 // encodes to a 16-letter nonce

type scramClientState int

const (
	clientInitial scramClientState = iota
	clientAwaitingChallenge
	clientChallengeReceived
	clientAwaitingResult
	clientCompleted
)

// ScramClient is the initiating party of a SCRAM negotiation.
// Instances are not safe for concurrent use.
type ScramClient struct {
	scram      *ScramMechanism
	authnID    string
	authzID    string
	retriever  CredentialRetriever
	state      scramClientState
	err        *AuthenticationError
	properties map[string]interface{}

	clientNonce    string
	fullNonce      string
	gs2Header      string
	salt           []byte
	iteration      int
	saltedPassword []byte
	serverSig      []byte
}

// NewScramClient returns a SCRAM client party for a given mechanism
// kernel and authentication identity.
func NewScramClient(scram *ScramMechanism, authnID, authzID string, retriever CredentialRetriever) *ScramClient {
	nonce := make([]byte, clientNonceLength)
	rand.Read(nonce)
	return &ScramClient{
		scram:       scram,
		authnID:     authnID,
		authzID:     authzID,
		retriever:   retriever,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
		properties:  map[string]interface{}{},
	}
}

// Mechanism returns the negotiating mechanism name.
func (c *ScramClient) Mechanism() string {
	return c.scram.Name()
}

// IsClientFirst returns true: SCRAM always starts with a client message.
func (c *ScramClient) IsClientFirst() bool {
	return true
}

// Respond produces the next message to send to the server, or nil if
// the negotiation reached a terminal state.
func (c *ScramClient) Respond() []byte {
	switch c.state {
	case clientInitial:
		c.state = clientAwaitingChallenge
		return []byte(c.initialResponse())
	case clientChallengeReceived:
		msg := c.finalResponse()
		if msg == "" {
			return nil
		}
		c.state = clientAwaitingResult
		return []byte(msg)
	default:
		return nil
	}
}

// AcceptChallenge consumes a server-first or server-final message.
func (c *ScramClient) AcceptChallenge(challenge []byte) {
	switch c.state {
	case clientAwaitingChallenge:
		c.consumeServerFirst(string(challenge))
	case clientAwaitingResult:
		c.consumeServerFinal(string(challenge))
	default:
		c.fail(NewAuthenticationErrorWithText(MalformedRequest, "not expecting a challenge"))
	}
}

// IsCompleted returns true once the negotiation reached a terminal
// state, either successfully or with an error.
func (c *ScramClient) IsCompleted() bool {
	return c.state == clientCompleted
}

// Error returns the terminal authentication error, or nil.
func (c *ScramClient) Error() *AuthenticationError {
	return c.err
}

// NegotiatedProperties exposes the salt, salted password and iteration
// count after a successful negotiation, allowing the caller to cache
// credentials without retaining the plain text password.
func (c *ScramClient) NegotiatedProperties() map[string]interface{} {
	return c.properties
}

func (c *ScramClient) initialResponse() string {
	authzField := ""
	if len(c.authzID) > 0 {
		authzField = "a=" + c.authzID
	}
	c.gs2Header = "n," + authzField + ","
	return c.gs2Header + "n=" + EscapeUsername(c.authnID) + ",r=" + c.clientNonce
}

func (c *ScramClient) consumeServerFirst(message string) {
	params, err := ConvertMessageToMap(message, false)
	if err != nil {
		c.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid server-first syntax"))
		return
	}
	fullNonce := params["r"]
	if !strings.HasPrefix(fullNonce, c.clientNonce) || fullNonce == c.clientNonce {
		c.fail(NewAuthenticationErrorWithText(ServerNotAuthorized, "server nonce mismatch"))
		return
	}
	salt, err := base64.StdEncoding.DecodeString(params["s"])
	if err != nil || len(salt) == 0 {
		c.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid salt"))
		return
	}
	iteration, err := strconv.Atoi(params["i"])
	if err != nil || iteration <= 0 {
		c.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid iteration count"))
		return
	}
	c.fullNonce = fullNonce
	c.salt = salt
	c.iteration = iteration
	c.state = clientChallengeReceived
}

func (c *ScramClient) finalResponse() string {
	if err := c.deriveSaltedPassword(); err != nil {
		c.fail(err)
		return ""
	}
	clientKey := c.scram.ClientKey(c.saltedPassword)
	storedKey := c.scram.StoredKey(clientKey)
	authMessage := c.scram.AuthMessage(c.clientNonce, c.fullNonce, c.authnID, c.salt, c.iteration, c.gs2Header)
	clientSig := c.scram.ClientSignature(storedKey, authMessage)
	proof := ClientProof(clientKey, clientSig)
	c.serverSig = c.scram.ServerSignature(c.scram.ServerKey(c.saltedPassword), authMessage)

	c.properties[KeySalt] = c.salt
	c.properties[KeySaltedPassword] = c.saltedPassword
	c.properties[KeyIteration] = c.iteration

	return "c=" + base64.StdEncoding.EncodeToString([]byte(c.gs2Header)) +
		",r=" + c.fullNonce +
		",p=" + base64.StdEncoding.EncodeToString(proof)
}

func (c *ScramClient) consumeServerFinal(message string) {
	params, err := ConvertMessageToMap(message, false)
	if err != nil {
		c.fail(NewAuthenticationErrorWithText(MalformedRequest, "invalid server-final syntax"))
		return
	}
	if reason, ok := params["e"]; ok {
		c.fail(NewAuthenticationErrorWithText(ClientNotAuthorized, reason))
		return
	}
	serverSig, err := base64.StdEncoding.DecodeString(params["v"])
	if err != nil || !hmac.Equal(serverSig, c.serverSig) {
		c.fail(NewAuthenticationErrorWithText(ServerNotAuthorized, "server signature mismatch"))
		return
	}
	c.state = clientCompleted
}

func (c *ScramClient) deriveSaltedPassword() *AuthenticationError {
	if c.retriever == nil {
		return NewAuthenticationError(CredentialsNotFound)
	}
	if v, err := c.retriever(c.authnID, c.Mechanism(), KeySaltedPassword); err == nil && v != nil {
		if sp, ok := v.([]byte); ok && len(sp) > 0 {
			c.saltedPassword = sp
			return nil
		}
	}
	v, err := c.retriever(c.authnID, c.Mechanism(), KeyPassword)
	if err != nil || v == nil {
		return NewAuthenticationError(CredentialsNotFound)
	}
	password, ok := v.(string)
	if !ok {
		return NewAuthenticationError(CredentialsNotFound)
	}
	c.saltedPassword = c.scram.SaltedPassword(password, c.salt, c.iteration)
	return nil
}

func (c *ScramClient) fail(err *AuthenticationError) {
	c.err = err
	c.state = clientCompleted
}
