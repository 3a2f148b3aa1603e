package engine

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RandomProvider yields uniform values in [0,1).
type RandomProvider interface {
	Unit() float64
}

// cryptoRNG is the production source.
type cryptoRNG struct{}

func (cryptoRNG) Unit() float64 {
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err != nil {
		return rand.Float64()
	}
	u := binary.BigEndian.Uint64(buf[:]) >> 11 // 53 bits
	return float64(u) / (1 << 53)
}

func CryptoRNG() RandomProvider { return cryptoRNG{} }

// seededRNG is reproducible and safe for concurrent use.
type seededRNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSeededRNG(seed uint64) RandomProvider {
	return &seededRNG{r: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededRNG) Unit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Sequence replays fixed rolls in order and repeats the last one when
// exhausted. An empty sequence yields 0.
type Sequence struct {
	mu    sync.Mutex
	rolls []float64
	pos   int
}

func NewSequence(rolls ...float64) *Sequence {
	return &Sequence{rolls: rolls}
}

func (s *Sequence) Unit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rolls) == 0 {
		return 0
	}
	if s.pos >= len(s.rolls) {
		return s.rolls[len(s.rolls)-1]
	}
	v := s.rolls[s.pos]
	s.pos++
	return v
}

// Used reports how many rolls have been consumed.
func (s *Sequence) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}
