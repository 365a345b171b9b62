package daemon

import "io"

// PathInfo forwards a QueryPathInfo reply verbatim. References preserves
// the daemon's own order (a []string of absolute store paths); nothing in
// this package re-sorts or re-derives it.
type PathInfo struct {
	Deriver          string
	NarHash          string
	References       []string
	RegistrationTime int64
	NarSize          uint64
	Ultimate         bool
	Sigs             []string
	CA               string
}

// ultimateCAMinor is the worker-protocol revision from which ultimate/ca
// appear on a QueryPathInfo reply; this client requires a connection at or
// above it (see minProtocolMinor), so in practice the gate below always
// takes the populated branch, but the encoder/decoder still only reads
// these fields within the range the protocol actually carries them.
const ultimateCAMinor = 21

func readPathInfo(r io.Reader, minor int) (*PathInfo, error) {
	var info PathInfo

	deriver, err := readString(r, MaxStringSize)
	if err != nil {
		return nil, err
	}

	info.Deriver = deriver

	narHash, err := readString(r, MaxStringSize)
	if err != nil {
		return nil, err
	}

	info.NarHash = narHash

	references, err := readStrings(r, MaxStringSize)
	if err != nil {
		return nil, err
	}

	info.References = references

	regTime, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	info.RegistrationTime = int64(regTime)

	narSize, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	info.NarSize = narSize

	if minor >= ultimateCAMinor {
		ultimate, err := readBool(r)
		if err != nil {
			return nil, err
		}

		info.Ultimate = ultimate

		sigs, err := readStrings(r, MaxStringSize)
		if err != nil {
			return nil, err
		}

		info.Sigs = sigs

		ca, err := readString(r, MaxStringSize)
		if err != nil {
			return nil, err
		}

		info.CA = ca
	}

	return &info, nil
}
