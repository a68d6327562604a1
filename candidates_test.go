package peermgr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCandidateScoreOrdering(t *testing.T) {
	now := time.Now()
	tor := newTestTorrent(1)

	clean := newListeningPeerInfo(tap("1.1.1.1:6881"), SourceTracker)
	failed := newListeningPeerInfo(tap("2.2.2.2:6881"), SourceTracker)
	failed.onConnectionFailed()

	// A failure-free record always scores ahead, whatever the salt.
	require.Less(t,
		candidateScore(tor, clean, now, 0xff),
		candidateScore(tor, failed, now, 0x00))

	// Older attempts come back around first.
	recent := newListeningPeerInfo(tap("3.3.3.3:6881"), SourceTracker)
	recent.setConnectionAttemptTime(now)
	stale := newListeningPeerInfo(tap("4.4.4.4:6881"), SourceTracker)
	stale.setConnectionAttemptTime(now.Add(-time.Hour))
	require.Less(t,
		candidateScore(tor, stale, now, 0xff),
		candidateScore(tor, recent, now, 0x00))

	// Better sources win when all else matches.
	fromPex := newListeningPeerInfo(tap("5.5.5.5:6881"), SourcePex)
	fromTracker := newListeningPeerInfo(tap("6.6.6.6:6881"), SourceTracker)
	require.Less(t,
		candidateScore(tor, fromTracker, now, 0xff),
		candidateScore(tor, fromPex, now, 0x00))
}

func TestCandidateScoreTorrentPriority(t *testing.T) {
	now := time.Now()
	info := newListeningPeerInfo(tap("1.1.1.1:6881"), SourceTracker)
	high := newTestTorrent(1)
	high.priority = PriorityHigh
	low := newTestTorrent(2)
	low.priority = PriorityLow
	require.Less(t,
		candidateScore(high, info, now, 0xff),
		candidateScore(low, info, now, 0x00))
}

func TestIsCandidateFilters(t *testing.T) {
	ses := newTestSession()
	m := newTestManager(ses)
	tor := newTestTorrent(1)
	s := addSwarm(m, ses, tor)
	now := time.Now()

	ok := s.ensureInfoExists(tap("1.1.1.1:6881"), SourceTracker)
	require.True(t, s.isCandidate(ok, now))

	banned := s.ensureInfoExists(tap("2.2.2.2:6881"), SourceTracker)
	banned.Ban()
	require.False(t, s.isCandidate(banned, now))

	unreachable := s.ensureInfoExists(tap("3.3.3.3:6881"), SourceTracker)
	unreachable.connectable.Set(false)
	require.False(t, s.isCandidate(unreachable, now))

	backoff := s.ensureInfoExists(tap("4.4.4.4:6881"), SourceTracker)
	backoff.setConnectionAttemptTime(now.Add(-time.Second))
	require.False(t, s.isCandidate(backoff, now))

	inUse := s.ensureInfoExists(tap("5.5.5.5:6881"), SourceTracker)
	inUse.outgoingHandshake = true
	require.False(t, s.isCandidate(inUse, now))

	blocked := s.ensureInfoExists(tap("6.6.6.6:6881"), SourceTracker)
	ses.blocked[blocked.ListenAddr()] = true
	require.False(t, s.isCandidate(blocked, now))

	tor.done = true
	seed := s.ensureInfoExists(tap("7.7.7.7:6881"), SourceTracker)
	seed.SetSeed(true)
	require.False(t, s.isCandidate(seed, now))
}

func TestDialPulseRateLimit(t *testing.T) {
	ses := newTestSession()
	m := newTestManager(ses)
	tor := newTestTorrent(1)
	s := addSwarm(m, ses, tor)

	for i := 0; i < 100; i++ {
		s.ensureInfoExists(tap(fmt.Sprintf("10.0.%d.%d:6881", i/256, i%256)), SourceTracker)
	}

	now := time.Now()
	m.makeNewPeerConnections(now)

	require.Len(t, ses.handshakes, maxConnectionsPerPulse)
	require.Len(t, s.outgoingHandshakes, maxConnectionsPerPulse)
	// The cache was built to capacity and the pulse consumed one batch.
	require.Len(t, m.outboundCandidates, outboundCandidateListCapacity-maxConnectionsPerPulse)
	for _, info := range s.connectablePool {
		if info.outgoingHandshake {
			require.Equal(t, now, info.connectionAttemptTime)
		}
	}
}

func TestDialFailureMarksUnconnectable(t *testing.T) {
	ses := newTestSession()
	m := newTestManager(ses)
	tor := newTestTorrent(1)
	s := addSwarm(m, ses, tor)
	ses.dialErr = errTestBenign

	info := s.ensureInfoExists(tap("1.2.3.4:6881"), SourceTracker)
	m.startOutgoingHandshake(s, info, time.Now())
	require.True(t, info.connectable.Ok)
	require.False(t, info.connectable.Value)
	require.EqualValues(t, 1, info.connectionFailureCount)
	require.Empty(t, s.outgoingHandshakes)
}

func TestCandidateSweepSkipsFullSwarms(t *testing.T) {
	ses := newTestSession()
	m := newTestManager(ses)
	tor := newTestTorrent(1)
	tor.peerLimit = 1
	s := addSwarm(m, ses, tor)
	connectPeer(s, tap("1.1.1.1:6881"))
	s.ensureInfoExists(tap("2.2.2.2:6881"), SourceTracker)

	m.rebuildOutboundCandidates(time.Now())
	require.Empty(t, m.outboundCandidates)
}
