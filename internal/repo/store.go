package repo

import "database/sql"

// Store groups the repositories that share one source of truth.
type Store struct {
	Intents IntentRepo
	Orders  OrderRepo
	Stock   StockRepo
	Cursors CursorRepo
	Orphans OrphanRepo
}

func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Intents: NewIntentRepo(db),
		Orders:  NewOrderRepo(db),
		Stock:   NewStockRepo(db),
		Cursors: NewCursorRepo(db),
		Orphans: NewOrphanRepo(db),
	}
}

// NewMemoryStore returns a Store whose repositories share one in-process
// state guarded by a single mutex.
func NewMemoryStore() Store {
	m := newMemory()
	return Store{
		Intents: memoryIntents{m},
		Orders:  memoryOrders{m},
		Stock:   memoryStock{m},
		Cursors: memoryCursors{m},
		Orphans: memoryOrphans{m},
	}
}
