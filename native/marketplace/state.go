package marketplace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"itemmarket/storage"
)

var (
	prefixSale   = []byte("marketplace/sale/")
	prefixTVL    = []byte("marketplace/tvl/")
	keySaleCount = []byte("marketplace/sale-count")
)

// saleRecord is the persisted form of a Sale.
type saleRecord struct {
	ID            uint64
	Seller        common.Address
	Price         *big.Int
	Token         common.Address
	Status        uint8
	Description   string
	Buyer         common.Address
	DisputeReason string
}

func saleKey(id uint64) []byte {
	key := make([]byte, len(prefixSale)+8)
	copy(key, prefixSale)
	binary.BigEndian.PutUint64(key[len(prefixSale):], id)
	return key
}

func tvlKey(token common.Address) []byte {
	key := make([]byte, 0, len(prefixTVL)+common.AddressLength)
	key = append(key, prefixTVL...)
	return append(key, token.Bytes()...)
}

func encodeSale(s *Sale) ([]byte, error) {
	rec := saleRecord{
		ID:            s.ID,
		Seller:        s.Seller,
		Price:         amountOrZero(s.Price),
		Token:         s.Token,
		Status:        uint8(s.Status),
		Description:   s.Description,
		Buyer:         s.Buyer,
		DisputeReason: s.DisputeReason,
	}
	return rlp.EncodeToBytes(&rec)
}

func decodeSale(raw []byte) (*Sale, error) {
	var rec saleRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, err
	}
	status := Status(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("marketplace: stored sale %d has invalid status %d", rec.ID, rec.Status)
	}
	return &Sale{
		ID:            rec.ID,
		Seller:        rec.Seller,
		Price:         amountOrZero(rec.Price),
		Token:         rec.Token,
		Status:        status,
		Description:   rec.Description,
		Buyer:         rec.Buyer,
		DisputeReason: rec.DisputeReason,
	}, nil
}

// store reads marketplace records. Writes only happen through a changeSet.
type store struct {
	db storage.Database
}

func (s *store) sale(id uint64) (*Sale, error) {
	raw, err := s.db.Get(saleKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrSaleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("marketplace: load sale %d: %w", id, err)
	}
	sale, err := decodeSale(raw)
	if err != nil {
		return nil, fmt.Errorf("marketplace: decode sale %d: %w", id, err)
	}
	return sale, nil
}

func (s *store) saleCount() (uint64, error) {
	raw, err := s.db.Get(keySaleCount)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("marketplace: load sale count: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("marketplace: corrupt sale count")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// tvl returns the locked amount for token. A missing record reads as zero.
func (s *store) tvl(token common.Address) (*uint256.Int, error) {
	raw, err := s.db.Get(tvlKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("marketplace: load tvl %s: %w", token.Hex(), err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// changeSet collects the writes of one operation. They reach the database in
// a single batch, together with the token balances when value moves.
type changeSet struct {
	batch *storage.Batch
}

func newChangeSet() *changeSet {
	return &changeSet{batch: storage.NewBatch()}
}

func (c *changeSet) putSale(sale *Sale) error {
	encoded, err := encodeSale(sale)
	if err != nil {
		return fmt.Errorf("marketplace: encode sale %d: %w", sale.ID, err)
	}
	c.batch.Put(saleKey(sale.ID), encoded)
	return nil
}

func (c *changeSet) putSaleCount(count uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	c.batch.Put(keySaleCount, buf[:])
}

func (c *changeSet) putTVL(token common.Address, locked *uint256.Int) {
	buf := locked.Bytes32()
	c.batch.Put(tvlKey(token), buf[:])
}

// eachTVL calls fn with every token that has a TVL record.
func (s *store) eachTVL(fn func(token common.Address, locked *uint256.Int)) error {
	return s.db.Iterate(prefixTVL, func(key, value []byte) bool {
		fn(common.BytesToAddress(key[len(prefixTVL):]), new(uint256.Int).SetBytes(value))
		return true
	})
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
