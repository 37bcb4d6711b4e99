package sender

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/wecom-gw/internal/protocol"
)

// ParseRecipient decodes a recipient spec into platform addressing fields.
//
// A spec is a ";"-separated list of segments. Each segment is "user:<ids>",
// "party:<ids>", "tag:<ids>", or a bare value, which addresses users. Ids
// are "|"-joined as on the platform; "@all" is passed through. Repeated
// segments of one kind are merged. Errors match ErrInvalidRecipient.
//
//	alice                 -> touser=alice
//	user:alice|bob;tag:3  -> touser=alice|bob totag=3
//	party:2               -> toparty=2
func ParseRecipient(spec string) (protocol.Recipient, error) {
	var users, parties, tags []string
	for _, seg := range strings.Split(spec, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		kind, ids, found := strings.Cut(seg, ":")
		if !found {
			kind, ids = "user", seg
		}
		ids = strings.TrimSpace(ids)
		if ids == "" {
			return protocol.Recipient{}, fmt.Errorf("%w: segment %q has no ids", ErrInvalidRecipient, seg)
		}
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "user":
			users = append(users, ids)
		case "party":
			parties = append(parties, ids)
		case "tag":
			tags = append(tags, ids)
		default:
			return protocol.Recipient{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecipient, kind)
		}
	}

	r := protocol.Recipient{
		ToUser:  strings.Join(users, "|"),
		ToParty: strings.Join(parties, "|"),
		ToTag:   strings.Join(tags, "|"),
	}
	if r.Empty() {
		return protocol.Recipient{}, fmt.Errorf("%w: %q addresses nobody", ErrInvalidRecipient, spec)
	}
	return r, nil
}
