// Package ringhash implements a consistent ring hash used to map topics to hub shards
// and to verify that cluster nodes agree on the membership list.
// https://en.wikipedia.org/wiki/Consistent_hashing
package ringhash

import (
	"encoding/ascii85"
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
	"sort"
	"strconv"
)

// Hash is a signature of a hash function used by the package.
type Hash func(data []byte) uint32

type point struct {
	node string
	hash uint32
}

// Ring maps keys to nodes. It's not safe for concurrent modification:
// populate it first, then call Get from any number of goroutines.
type Ring struct {
	points []point // Sorted by hash, then by node name.
	nodes  []string

	signature string
	replicas  int
	hashfunc  Hash
}

// New initializes an empty ringhash with the given number of replicas and a hash function.
// If the hash function is nil, crc32.ChecksumIEEE is used.
func New(replicas int, fn Hash) *Ring {
	if replicas <= 0 {
		replicas = 1
	}
	if fn == nil {
		fn = crc32.ChecksumIEEE
	}
	return &Ring{replicas: replicas, hashfunc: fn}
}

// Len returns the number of points in the ring.
func (ring *Ring) Len() int {
	return len(ring.points)
}

// Nodes returns the names of nodes in the order they were added.
func (ring *Ring) Nodes() []string {
	return append([]string(nil), ring.nodes...)
}

// Add adds nodes to the ring.
func (ring *Ring) Add(nodes ...string) {
	for _, node := range nodes {
		ring.nodes = append(ring.nodes, node)
		for i := 0; i < ring.replicas; i++ {
			ring.points = append(ring.points, point{
				hash: ring.hashfunc([]byte(strconv.Itoa(i) + node)),
				node: node})
		}
	}
	sort.Slice(ring.points, func(i, j int) bool {
		// Weak hash function may cause collisions.
		if ring.points[i].hash != ring.points[j].hash {
			return ring.points[i].hash < ring.points[j].hash
		}
		return ring.points[i].node < ring.points[j].node
	})

	hash := fnv.New128a()
	b := make([]byte, 4)
	for _, p := range ring.points {
		binary.LittleEndian.PutUint32(b, p.hash)
		hash.Write(b)
		hash.Write([]byte(p.node))
	}
	sum := hash.Sum(nil)
	dst := make([]byte, ascii85.MaxEncodedLen(len(sum)))
	n := ascii85.Encode(dst, sum)
	ring.signature = string(dst[:n])
}

// Get returns the node closest to the provided key, or an empty string if the ring is empty.
func (ring *Ring) Get(key string) string {
	if len(ring.points) == 0 {
		return ""
	}

	hash := ring.hashfunc([]byte(key))

	// Binary search for appropriate replica.
	idx := sort.Search(len(ring.points), func(i int) bool {
		p := ring.points[i]
		return p.hash > hash || (p.hash == hash && p.node >= key)
	})

	// Means we have cycled back to the first replica.
	if idx == len(ring.points) {
		idx = 0
	}

	return ring.points[idx].node
}

// Signature returns the ring's hash signature. Two identical ringhashes
// will have the same signature. Two hashes with different
// number of nodes or replicas or hash functions will have different
// signatures.
func (ring *Ring) Signature() string {
	return ring.signature
}
