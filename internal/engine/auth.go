package engine

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polycopy/internal/config"
)

// ctfExchangeAddress is the Polymarket CTF Exchange contract on Polygon,
// the verifying contract for EIP-712 order signatures.
const ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// Signer handles the two authentication layers on the live order path:
//
//   - EIP-712 (L1): signs typed "Order" data with the wallet key so the
//     exchange contract can verify the maker.
//   - HMAC-SHA256 (L2): signs "timestamp + method + path [+ body]" with
//     the derived API secret for REST request headers.
//
// The funder address may differ from the signing address when orders
// settle through a proxy wallet.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address
	chainID    *big.Int

	apiKey     string
	secret     string
	passphrase string
}

// NewSigner builds a Signer from executor credentials.
func NewSigner(cfg config.ExecutorConfig) (*Signer, error) {
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	return &Signer{
		privateKey: privateKey,
		address:    address,
		funder:     funder,
		chainID:    big.NewInt(int64(cfg.ChainID)),
		apiKey:     cfg.ApiKey,
		secret:     cfg.Secret,
		passphrase: cfg.Passphrase,
	}, nil
}

// Address returns the signing wallet address.
func (s *Signer) Address() common.Address { return s.address }

// Funder returns the settlement wallet address.
func (s *Signer) Funder() common.Address { return s.funder }

// L2Headers produces the HMAC-authenticated headers for one REST call.
func (s *Signer) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    s.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.apiKey,
		"POLY_PASSPHRASE": s.passphrase,
	}, nil
}

// SignOrder produces the EIP-712 signature over one exchange order.
// Amounts are base-unit integers in string form, as the wire expects.
func (s *Signer) SignOrder(o OrderPayload) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: ctfExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          fmt.Sprintf("%d", o.SideCode),
			"signatureType": fmt.Sprintf("%d", o.SignatureType),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// buildHMAC computes the L2 signature. The secret arrives base64 in one
// of several alphabets depending on where it was issued.
func (s *Signer) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
