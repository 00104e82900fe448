package dataloader

// NewSharedLoaders creates the train and validation loaders for one run,
// backed by a single cache spanning both splits. The train loader shuffles
// on every pass; the validation loader visits samples in dataset order with
// its own batch size. When cfg.CacheSize is zero the cache is sized to hold
// every image of both splits.
func NewSharedLoaders(trainSet, valSet Dataset, cfg Config, valBatchSize int) (*Loader, *Loader, error) {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = trainSet.Len() + valSet.Len()
	}

	var shared *Cache
	if cacheSize > 0 {
		var err error
		if shared, err = NewCache(cacheSize); err != nil {
			return nil, nil, err
		}
	}

	trainCfg := cfg
	trainCfg.Shuffle = true
	trainCfg.Cache = shared

	valCfg := cfg
	valCfg.Shuffle = false
	valCfg.BatchSize = valBatchSize
	valCfg.Cache = shared
	valCfg.Prefetch = false

	train, err := New(trainSet, trainCfg)
	if err != nil {
		return nil, nil, err
	}
	val, err := New(valSet, valCfg)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
