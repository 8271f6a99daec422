package dim_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/dims-network/station/internal/dim"
)

// testAddr builds a syntactically valid base58 address with the given
// network-kind tag.
func testAddr(kind dim.Kind, seed byte) string {
	return base58.Encode([]byte{byte(kind), seed, 0xAB, 0xCD, 0xEF})
}

// mustID parses an identifier or fails the test.
func mustID(t *testing.T, s string) dim.ID {
	t.Helper()
	id, err := dim.ParseID(s)
	if err != nil {
		t.Fatalf("ParseID(%q) error: %v", s, err)
	}
	return id
}

// userID, groupID and stationID build identifiers of the respective kinds.
func userID(t *testing.T, name string, seed byte) dim.ID {
	t.Helper()
	return mustID(t, name+"@"+testAddr(dim.KindUser, seed))
}

func groupID(t *testing.T, name string, seed byte) dim.ID {
	t.Helper()
	return mustID(t, name+"@"+testAddr(dim.KindGroup, seed))
}

func stationID(t *testing.T, name string, seed byte) dim.ID {
	t.Helper()
	return mustID(t, name+"@"+testAddr(dim.KindStation, seed))
}

// okVerifier accepts every signature except the literal bytes "bad".
type okVerifier struct{}

func (okVerifier) Verify(_, sig []byte) bool { return string(sig) != "bad" }

// fakeBarrack resolves every identity to okVerifier unless listed in
// unknown, and serves static group member lists.
type fakeBarrack struct {
	unknown map[string]bool
	members map[string][]dim.ID
}

func (b *fakeBarrack) VerifierFor(id dim.ID) (dim.Verifier, error) {
	if b.unknown[id.Routing()] {
		return nil, fmt.Errorf("%w: %s", dim.ErrIdentityUnknown, id)
	}
	return okVerifier{}, nil
}

func (b *fakeBarrack) Members(group dim.ID) ([]dim.ID, error) {
	members, ok := b.members[group.Routing()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dim.ErrNoMembers, group)
	}
	return members, nil
}

// fakeSigner stamps station content with a fixed signature.
type fakeSigner struct{}

func (fakeSigner) Sign([]byte) []byte { return []byte("station-sig") }

// fixedClock pins time for replay-window tests.
type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

// timeAt converts a Unix timestamp to time.Time.
func timeAt(unix int64) time.Time { return time.Unix(unix, 0) }

// wireEnvelope builds the JSON wire form of a signed envelope. The
// signature "ok" passes okVerifier; "bad" fails it.
func wireEnvelope(t *testing.T, sender, receiver dim.ID, ts uint64, data []byte, sig string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"sender":    sender.String(),
		"receiver":  receiver.String(),
		"time":      ts,
		"data":      base64.StdEncoding.EncodeToString(data),
		"signature": base64.StdEncoding.EncodeToString([]byte(sig)),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}
