package utils

import (
	"crypto/rand"
	"regexp"
	"sync"
	"time"

	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrorInvalidAddress is returned when an account address is invalid
	ErrorInvalidAddress = NewMedChainError("INVALID_ADDRESS", "invalid account address")
)

var (
	AddressRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

func IsAddress(address string) bool {
	return AddressRegexp.MatchString(address)
}

func CheckAddress(address string) error {
	if IsAddress(address) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidAddress.AddDetails(address))
}

// FormatAddress returns the short display form of an address ("0x1234…abcd").
func FormatAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}

// NormalizeString applies NFKC normalization, so that user-supplied names
// compare and hash identically regardless of the unicode form the platform produced.
func NormalizeString(s string) string {
	return string(norm.NFKC.Bytes([]byte(s)))
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceIncludes[T comparable](s []T, u T) bool {
	for _, e := range s {
		if e == u {
			return true
		}
	}
	return false
}

func UniqueSlice[T comparable](slice []T) []T {
	uniqueMap := make(map[T]any)
	var uniqueSlice []T
	for _, el := range slice {
		if _, seen := uniqueMap[el]; !seen {
			uniqueMap[el] = nil
			uniqueSlice = append(uniqueSlice, el)
		}
	}
	return uniqueSlice
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// WithRetry calls f up to attempts times, sleeping baseDelay, 2*baseDelay,
// 4*baseDelay, ... between attempts. It returns the first success, or the
// last error once the attempts are exhausted. shouldRetry decides whether an
// error is worth retrying.
func WithRetry[T any](attempts int, baseDelay time.Duration, shouldRetry func(error) bool, f func() (T, error)) (T, error) {
	var res T
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		res, err = f()
		if err == nil {
			return res, nil
		}
		if !shouldRetry(err) || i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay = delay * 2
	}
	var zero T
	return zero, tracerr.Wrap(err)
}

type MutexGroup struct {
	internalMap     map[string]*sync.Mutex
	internalMapLock sync.RWMutex
}

func (group *MutexGroup) getLock(key string, createIfNecessary bool) *sync.Mutex {
	group.internalMapLock.RLock()
	lock := group.internalMap[key]
	group.internalMapLock.RUnlock()
	if lock == nil {
		if !createIfNecessary {
			panic("Trying to unlock a lock which does not exist")
		}
		group.internalMapLock.Lock()
		// maybe another goroutine created it before we acquired the global write lock?
		lock = group.internalMap[key]
		if lock == nil {
			lock = &sync.Mutex{}
			if group.internalMap == nil {
				group.internalMap = make(map[string]*sync.Mutex)
			}
			group.internalMap[key] = lock
		}
		group.internalMapLock.Unlock()
	}
	return lock
}

func (group *MutexGroup) Lock(key string) {
	group.getLock(key, true).Lock()
}

func (group *MutexGroup) Unlock(key string) {
	group.getLock(key, false).Unlock()
}
