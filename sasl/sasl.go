/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

// Credential property keys handled by a CredentialRetriever.
const (
	// KeyPassword identifies a plain text password credential.
	KeyPassword = "password"

	// KeySaltedPassword identifies a salted password credential.
	KeySaltedPassword = "salted-password"

	// KeySalt identifies the salt associated to a salted password.
	KeySalt = "salt"

	// KeyIteration identifies the iteration count associated to a salted password.
	KeyIteration = "iteration"
)

// CredentialRetriever fetches a credential property for an
// authentication identity. A nil value with a nil error means the
// property is not available.
type CredentialRetriever func(authnID, mechanism, key string) (interface{}, error)

// Party represents one side of a SASL negotiation.
type Party interface {
	// Mechanism returns the negotiating mechanism name.
	Mechanism() string

	// IsCompleted returns true once the negotiation reached a
	// terminal state, either successfully or with an error.
	IsCompleted() bool

	// Error returns the terminal authentication error, or nil if
	// the negotiation succeeded or is still in progress.
	Error() *AuthenticationError

	// NegotiatedProperties exposes the negotiated credential
	// properties once the negotiation has completed successfully.
	NegotiatedProperties() map[string]interface{}
}

// Client represents the initiating side of a SASL negotiation.
type Client interface {
	Party

	// IsClientFirst returns true if the mechanism starts with a
	// message sent by the client.
	IsClientFirst() bool

	// Respond produces the next message to send to the server.
	Respond() []byte

	// AcceptChallenge consumes a server challenge or additional data.
	AcceptChallenge(challenge []byte)
}

// Server represents the receiving side of a SASL negotiation.
type Server interface {
	Party

	// AcceptResponse consumes a client response.
	AcceptResponse(response []byte)

	// Challenge produces the next challenge to send to the client.
	Challenge() []byte

	// AuthorizationID returns the negotiated authorization identity.
	AuthorizationID() string
}

// NewPreferredClient returns a client party for the first mechanism of
// the preferred list that is also present in the advertised list, or
// nil if none matches. Mechanism names follow the SCRAM-<DIGEST> form.
func NewPreferredClient(preferred, advertised []string, authnID, authzID string, retriever CredentialRetriever) Client {
	for _, name := range preferred {
		if !containsMechanism(advertised, name) {
			continue
		}
		switch name {
		case "SCRAM-SHA-1":
			return NewScramClient(NewScramSHA1(), authnID, authzID, retriever)
		case "SCRAM-SHA-256":
			return NewScramClient(NewScramSHA256(), authnID, authzID, retriever)
		}
	}
	return nil
}

func containsMechanism(mechanisms []string, name string) bool {
	for _, m := range mechanisms {
		if m == name {
			return true
		}
	}
	return false
}
