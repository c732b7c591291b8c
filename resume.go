// resume.go
//
// the protocol: SETUP can carry an opaque resume token. Session
// resumption execution is a Non-goal; this file only mints
// the token so the codec's round-trip property holds for SETUP frames
// that set the RESUME flag. Nothing reads the token back.

package rsocket

import "github.com/google/uuid"

// newResumeToken mints a fresh resume token for a SETUP frame requesting
// one via ClientConfig.Setup.ResumeToken.
func newResumeToken() []byte {
	id := uuid.New()
	return id[:]
}
