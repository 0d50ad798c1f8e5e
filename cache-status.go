package calproxy

import "fmt"

const cacheStatusName = "calproxy"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain a response for the key yet.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus builds the value of the Cache-Status response header (RFC 9211).
type CacheStatus struct {
	status     CacheStatusStatus
	fwdReason  CacheStatusFwdReason
	timeToLive int
	hasTTL     bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

// TimeToLive sets the remaining freshness lifetime in seconds.
func (cs *CacheStatus) TimeToLive(seconds int) {
	cs.timeToLive = seconds
	cs.hasTTL = true
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.hasTTL {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.timeToLive)
	}
	return status
}

// cacheStatusFor describes a lookup result as a Cache-Status header value.
func cacheStatusFor(res Result) CacheStatus {
	var cs CacheStatus
	switch res.Outcome {
	case Fresh:
		cs.Hit()
		cs.TimeToLive(int(res.TTL.Seconds()))
	case Stale:
		cs.Forward(CacheStatusFwdStale)
	default:
		cs.Forward(CacheStatusFwdUriMiss)
	}
	return cs
}
