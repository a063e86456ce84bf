package payment

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/lumenwallet/go-sdk/types"
)

const defaultMemoSize = 1000

// PreimageMemo is a size-bounded read-through cache in front of the
// preimage table. Writes go to storage first and update the cache
// explicitly; there is no background expiration.
type PreimageMemo struct {
	bag   types.PaymentBag
	cache *lru.Cache[lntypes.Hash, lntypes.Preimage]
}

func NewPreimageMemo(bag types.PaymentBag) *PreimageMemo {
	cache, _ := lru.New[lntypes.Hash, lntypes.Preimage](defaultMemoSize)
	return &PreimageMemo{bag: bag, cache: cache}
}

func (m *PreimageMemo) Get(ctx context.Context, hash lntypes.Hash) (lntypes.Preimage, error) {
	if preimage, ok := m.cache.Get(hash); ok {
		return preimage, nil
	}
	preimage, err := m.bag.GetPreimage(ctx, hash)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	m.cache.Add(hash, preimage)
	return preimage, nil
}

// Put persists the preimage before it becomes visible in the cache.
func (m *PreimageMemo) Put(ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage) error {
	if err := m.bag.SetPreimage(ctx, hash, preimage); err != nil {
		return err
	}
	m.cache.Add(hash, preimage)
	return nil
}
