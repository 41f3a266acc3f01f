/*
	partition assigns cluster roles to processes: it splits the worker pool
	between forwarders and detects the rank of the current process.
*/

package partition

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

var (
	// The following functions are overridden in tests.
	getHostname = os.Hostname
	lookupSRV   = net.LookupSRV

	// ErrNoPartitionDataAvailableYet is returned by the SRV-aware rank
	// detector to indicate that SRV records for this target application are
	// not yet available. SRV record creation can take some time after a
	// stateful set has been deployed.
	ErrNoPartitionDataAvailableYet = errors.New("no partition data available yet")
)

// Detector should be implemented by types that can tell which rank the
// current process holds in the cluster, the cluster size and the addresses
// of every rank (indexed by rank).
type Detector interface {
	RankInfo() (rank int, peers []string, err error)
}

// Static is a Detector for clusters whose membership is passed in
// explicitly, e.g. through command line flags.
type Static struct {
	Rank  int
	Peers []string
}

// RankInfo implements Detector.
func (d Static) RankInfo() (int, []string, error) {
	if d.Rank < 0 || d.Rank >= len(d.Peers) {
		return -1, nil, fmt.Errorf("rank detector: rank %d outside of %d peers", d.Rank, len(d.Peers))
	}

	return d.Rank, d.Peers, nil
}

// SRVRecord detects the rank of a process from the ordinal suffix of its
// host name and the peer list from an SRV query.
type SRVRecord struct {
	// Headless service name.
	srvName string
	port    int
}

// DetectFromSRVRecords returns a Detector implementation meant to be used in
// conjunction with a Stateful Set in a kubernetes environment: pod
// [NAME-INDEX] gets rank INDEX and peers are sorted by their own ordinal.
// If port is 0 the port of the SRV answer is used.
func DetectFromSRVRecords(srvName string, port int) SRVRecord {
	return SRVRecord{srvName: srvName, port: port}
}

// RankInfo implements Detector.
func (det SRVRecord) RankInfo() (int, []string, error) {
	hostname, err := getHostname()
	if err != nil {
		return -1, nil, fmt.Errorf("rank detector: unable to detect host name: %w", err)
	}

	rank, err := ordinal(hostname)
	if err != nil {
		return -1, nil, errors.New(
			"rank detector: unable to extract rank from the host name suffix",
		)
	}

	_, addrs, err := lookupSRV("", "", det.srvName)
	if err != nil || len(addrs) == 0 {
		return -1, nil, ErrNoPartitionDataAvailableYet
	}

	type peer struct {
		ordinal int
		addr    string
	}

	peers := make([]peer, 0, len(addrs))
	for _, srv := range addrs {
		target := strings.TrimSuffix(srv.Target, ".")
		ord, err := ordinal(strings.Split(target, ".")[0])
		if err != nil {
			return -1, nil, fmt.Errorf("rank detector: unexpected SRV target %q", srv.Target)
		}

		port := det.port
		if port == 0 {
			port = int(srv.Port)
		}

		peers = append(peers, peer{ordinal: ord, addr: net.JoinHostPort(target, strconv.Itoa(port))})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ordinal < peers[j].ordinal })

	out := make([]string, len(peers))
	for i, p := range peers {
		if p.ordinal != i {
			return -1, nil, ErrNoPartitionDataAvailableYet
		}
		out[i] = p.addr
	}

	if rank >= len(out) {
		return -1, nil, ErrNoPartitionDataAvailableYet
	}

	return rank, out, nil
}

func ordinal(name string) (int, error) {
	tokens := strings.Split(name, "-")
	n, err := strconv.ParseInt(tokens[len(tokens)-1], 10, 32)

	return int(n), err
}
