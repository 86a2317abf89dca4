package mediator

import (
	"encoding/binary"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/cryptohost"
)

// cookieResolution is the bucket width cookies are valid within; a cookie
// verifies against the current bucket or the one immediately prior, so a
// cookie issued just before a boundary still verifies shortly after it.
const cookieResolution = 5 * time.Minute

const randomSize = 8

// cookieSize is randomSize (the shared random nonce) plus one HMAC tag.
func cookieSize() int { return randomSize + cryptohost.HashSize }

// issueCookiePair returns two cookies sharing the same random nonce but
// differing in their complementary bit, handed to the two peers of a
// rendezvous so each can later be matched to the other by that nonce.
func issueCookiePair(crypto cryptohost.CryptoHost, secret []byte, now time.Time) (a, b []byte, err error) {
	random, err := crypto.RandomBytes(randomSize)
	if err != nil {
		return nil, nil, err
	}
	return buildCookie(crypto, secret, random, now, false), buildCookie(crypto, secret, random, now, true), nil
}

func buildCookie(crypto cryptohost.CryptoHost, secret, random []byte, now time.Time, complement bool) []byte {
	mac := hmacInput(random, bucketOf(now), complement)
	tag := crypto.HMAC(secret, mac)
	cookie := make([]byte, 0, randomSize+len(tag))
	cookie = append(cookie, random...)
	cookie = append(cookie, tag...)
	return cookie
}

func bucketOf(now time.Time) uint64 {
	return uint64(now.Unix()) / uint64(cookieResolution.Seconds())
}

func hmacInput(random []byte, bucket uint64, complement bool) []byte {
	buf := make([]byte, len(random)+8+1)
	copy(buf, random)
	binary.BigEndian.PutUint64(buf[len(random):], bucket)
	if complement {
		buf[len(buf)-1] = 1
	}
	return buf
}

// verifyCookie checks cookie against the current and previous buckets. It
// returns the shared random nonce and the complementary bit the cookie
// was issued with.
func verifyCookie(crypto cryptohost.CryptoHost, secret, cookie []byte, now time.Time) (random [randomSize]byte, complement bool, ok bool) {
	if len(cookie) != cookieSize() {
		return random, false, false
	}
	copy(random[:], cookie[:randomSize])
	tag := cookie[randomSize:]

	for _, bucket := range []uint64{bucketOf(now), bucketOf(now.Add(-cookieResolution))} {
		for _, comp := range []bool{false, true} {
			want := crypto.HMAC(secret, hmacInput(random[:], bucket, comp))
			if hmacEqual(want, tag) {
				return random, comp, true
			}
		}
	}
	return random, false, false
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
