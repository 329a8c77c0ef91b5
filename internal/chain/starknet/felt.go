package starknet

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "starknet-agent-kit/internal/errors"
)

// FieldPrime 是 Starknet felt 所在有限域的模数 2^251 + 17*2^192 + 1。
var FieldPrime, _ = new(big.Int).SetString("800000000000011000000000000000000000000000000000000000000000001", 16)

var mask250 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// ParseFelt 校验并解析十六进制或十进制表示的 felt。
func ParseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "felt 不能为空")
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的 felt: %s", s))
		}
		_, ok = v.SetString(digits, 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的 felt: %s", s))
	}
	if v.Cmp(FieldPrime) >= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("felt 超出有限域范围: %s", s))
	}
	return v, nil
}

// FormatFelt 输出不带前导零的小写十六进制。
func FormatFelt(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// NormalizeFelt 校验 felt 并返回规范化的十六进制形式。
func NormalizeFelt(s string) (string, error) {
	v, err := ParseFelt(s)
	if err != nil {
		return "", err
	}
	return FormatFelt(v), nil
}

// Selector 计算入口函数名对应的 starknet_keccak：keccak256 的低 250 位。
func Selector(name string) string {
	h := new(big.Int).SetBytes(crypto.Keccak256([]byte(name)))
	return FormatFelt(h.And(h, mask250))
}

// BlockID 表示 Starknet RPC 的区块标识：标签、高度或哈希三者之一。
type BlockID struct {
	Tag    string
	Number *uint64
	Hash   string
}

// Latest 是最新已确认区块。
var Latest = BlockID{Tag: "latest"}

// ParseBlockID 支持 latest、pending、十进制高度以及 0x 开头的区块哈希。空串视为 latest。
func ParseBlockID(s string) (BlockID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "latest":
		return Latest, nil
	case s == "pending":
		return BlockID{Tag: "pending"}, nil
	case strings.HasPrefix(s, "0x"):
		hash, err := NormalizeFelt(s)
		if err != nil {
			return BlockID{}, err
		}
		return BlockID{Hash: hash}, nil
	default:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return BlockID{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的区块标识: %s", s))
		}
		return BlockID{Number: &n}, nil
	}
}

// MarshalJSON 实现 Starknet RPC 的 block_id 编码。
func (b BlockID) MarshalJSON() ([]byte, error) {
	switch {
	case b.Number != nil:
		return json.Marshal(map[string]uint64{"block_number": *b.Number})
	case b.Hash != "":
		return json.Marshal(map[string]string{"block_hash": b.Hash})
	case b.Tag != "":
		return json.Marshal(b.Tag)
	default:
		return json.Marshal(Latest.Tag)
	}
}

// String 返回便于日志输出的形式。
func (b BlockID) String() string {
	switch {
	case b.Number != nil:
		return strconv.FormatUint(*b.Number, 10)
	case b.Hash != "":
		return b.Hash
	case b.Tag != "":
		return b.Tag
	default:
		return Latest.Tag
	}
}
