// Package crypto implements the cryptographic kernel used by the MAC layer:
// AES-128 block operations, AES-CMAC, the LoRaWAN message-integrity-code
// constructions and the FRMPayload/FOpts stream cipher.
//
// The kernel is pure: it holds no state beyond the key material handed to it
// by the caller, and every function operates on fixed-size scratch blocks.
package crypto

import (
	"crypto/aes"

	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"
)

// Key is a 128 bit AES key, e.g. AppKey, NwkSKey or AppSKey.
type Key [16]byte

// MIC is the 4-byte message integrity code carried at the tail of every
// LoRaWAN PHYPayload.
type MIC [4]byte

// Direction identifies the frame direction used when building the A_i / B0
// blocks of the stream cipher and the MIC.
type Direction byte

// Uplink and Downlink are the only two directions the core ever observes.
const (
	Uplink   Direction = 0
	Downlink Direction = 1
)

// EncryptBlock performs a single AES-128 ECB encryption of one 16-byte block.
func EncryptBlock(key Key, block [16]byte) ([16]byte, error) {
	var out [16]byte
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, errors.Wrap(err, "crypto: new cipher")
	}
	c.Encrypt(out[:], block[:])
	return out, nil
}

// DecryptBlock performs a single AES-128 ECB decryption of one 16-byte block.
// LoRaWAN join-accept frames are encrypted with the network's AES-decrypt
// operation so that the device only ever needs an AES-encrypt engine;
// EncryptJoinAccept uses this function to apply that network-side transform,
// while a device undoes it with DecryptJoinAccept (AES-encrypt).
func DecryptBlock(key Key, block [16]byte) ([16]byte, error) {
	var out [16]byte
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, errors.Wrap(err, "crypto: new cipher")
	}
	c.Decrypt(out[:], block[:])
	return out, nil
}

// CMAC computes the full 16-byte AES-CMAC of msg under key.
func CMAC(key Key, msg []byte) ([16]byte, error) {
	var out [16]byte
	h, err := cmac.New(key[:])
	if err != nil {
		return out, errors.Wrap(err, "crypto: new cmac")
	}
	if _, err := h.Write(msg); err != nil {
		return out, errors.Wrap(err, "crypto: write cmac")
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// b0Block builds the canonical 16-byte B0 block used for data-frame MIC
// computation, per LoRaWAN 1.0.x 4.4.
func b0Block(dir Direction, devAddr [4]byte, fCntFull uint32, msgLen int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	b[5] = byte(dir)
	copy(b[6:10], devAddr[:])
	putUint32LE(b[10:14], fCntFull)
	b[15] = byte(msgLen)
	return b
}

// aBlock builds the A_i block used by the FRMPayload/FOpts stream cipher.
func aBlock(dir Direction, devAddr [4]byte, fCntFull uint32, blockIndex uint8) [16]byte {
	var a [16]byte
	a[0] = 0x01
	a[5] = byte(dir)
	copy(a[6:10], devAddr[:])
	putUint32LE(a[10:14], fCntFull)
	a[15] = blockIndex
	return a
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ComputeDataMIC computes the MIC for an uplink or downlink data frame.
// msg is MHDR || FHDR || FPort || FRMPayload (i.e. everything that precedes
// the MIC on the wire).
func ComputeDataMIC(key Key, dir Direction, devAddr [4]byte, fCntFull uint32, msg []byte) (MIC, error) {
	var mic MIC
	b0 := b0Block(dir, devAddr, fCntFull, len(msg))

	full, err := CMAC(key, append(b0[:], msg...))
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[0:4])
	return mic, nil
}

// ComputeJoinRequestMIC computes the MIC over a join-request frame body
// (MHDR || AppEUI || DevEUI || DevNonce).
func ComputeJoinRequestMIC(key Key, msg []byte) (MIC, error) {
	var mic MIC
	full, err := CMAC(key, msg)
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[0:4])
	return mic, nil
}

// ValidateJoinAcceptMIC validates a join-accept MIC over its (decrypted)
// MHDR || JoinAccept body.
func ValidateJoinAcceptMIC(key Key, msg []byte, mic MIC) (bool, error) {
	full, err := CMAC(key, msg)
	if err != nil {
		return false, err
	}
	var got MIC
	copy(got[:], full[0:4])
	return got == mic, nil
}

// streamCipher XORs data against the keystream derived from repeated A_i
// block encryptions. It is its own inverse: encrypting then decrypting (or
// vice versa) with the same key/FCnt/DevAddr/direction recovers the original
// bytes.
func streamCipher(key Key, dir Direction, devAddr [4]byte, fCntFull uint32, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	nBlocks := (len(data) + 15) / 16

	for i := 0; i < nBlocks; i++ {
		a := aBlock(dir, devAddr, fCntFull, uint8(i+1))
		s, err := EncryptBlock(key, a)
		if err != nil {
			return nil, err
		}
		start := i * 16
		end := start + 16
		if end > len(data) {
			end = len(data)
		}
		for j := start; j < end; j++ {
			out[j] = data[j] ^ s[j-start]
		}
	}
	return out, nil
}

// CryptPayload encrypts or decrypts FRMPayload. LoRaWAN's payload cipher is
// symmetric: the same call both encrypts and decrypts.
func CryptPayload(key Key, dir Direction, devAddr [4]byte, fCntFull uint32, data []byte) ([]byte, error) {
	return streamCipher(key, dir, devAddr, fCntFull, data)
}

// DecryptJoinAccept undoes the join-accept ECB encryption applied by the
// network (which used its AES-decrypt engine), so that the device's single
// AES-encrypt/decrypt implementation can recover the plaintext by running
// AES-encrypt over each ciphertext block.
func DecryptJoinAccept(key Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%16 != 0 {
		return nil, errors.New("crypto: join-accept ciphertext must be a multiple of 16 bytes")
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext)/16; i++ {
		var block [16]byte
		copy(block[:], ciphertext[i*16:i*16+16])
		pt, err := EncryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		copy(out[i*16:i*16+16], pt[:])
	}
	return out, nil
}

// EncryptJoinAccept applies the network-side join-accept transform: AES-128
// ECB decryption of each 16-byte block. A device recovers the plaintext by
// calling DecryptJoinAccept (AES-encrypt) on the result, so that the device
// only ever needs an AES-encrypt primitive. Used by tests to build valid
// join-accept fixtures without a real network server.
func EncryptJoinAccept(key Key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%16 != 0 {
		return nil, errors.New("crypto: join-accept plaintext must be a multiple of 16 bytes")
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext)/16; i++ {
		var block [16]byte
		copy(block[:], plaintext[i*16:i*16+16])
		ct, err := DecryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		copy(out[i*16:i*16+16], ct[:])
	}
	return out, nil
}

// sessionKeyMaterial builds the 16-byte block fed to AES-encrypt when
// deriving a session key: typ || AppNonce(3) || NetID(3) || DevNonce(2) || pad(7).
func sessionKeyMaterial(typ byte, appNonce [3]byte, netID [3]byte, devNonce [2]byte) [16]byte {
	var b [16]byte
	b[0] = typ
	copy(b[1:4], appNonce[:])
	copy(b[4:7], netID[:])
	copy(b[7:9], devNonce[:])
	return b
}

// DeriveNwkSKey derives the network session key from a join-accept.
func DeriveNwkSKey(appKey Key, appNonce, netID [3]byte, devNonce [2]byte) (Key, error) {
	block := sessionKeyMaterial(0x01, appNonce, netID, devNonce)
	out, err := EncryptBlock(appKey, block)
	return Key(out), err
}

// DeriveAppSKey derives the application session key from a join-accept.
// It is derived the same way as NwkSKey but with a distinct leading byte,
// so the two keys are never equal.
func DeriveAppSKey(appKey Key, appNonce, netID [3]byte, devNonce [2]byte) (Key, error) {
	block := sessionKeyMaterial(0x02, appNonce, netID, devNonce)
	out, err := EncryptBlock(appKey, block)
	return Key(out), err
}
