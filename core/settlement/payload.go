package settlement

import (
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var payloadPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// PayloadCID returns the content identifier of an opaque job payload, or ""
// for an empty payload.
func PayloadCID(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	c, err := payloadPrefix.Sum(payload)
	if err != nil {
		return ""
	}
	return c.String()
}
