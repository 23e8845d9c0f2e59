package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"stakebft/types"
)

const (
	tableValidator = "val"
	tableDispute   = "dispute"
	tablePenalty   = "penalty"
	tableAudit     = "audit"
	tableMeta      = "meta"

	metaEpoch    = "epoch"
	metaAuditSeq = "audit_seq"
)

// NewKVStore opens (or creates) a goleveldb backed store named name in dir.
func NewKVStore(name, dir string, logger log.Logger) (*KVStore, error) {
	db, err := tmdb.NewDB(name, tmdb.GoLevelDBBackend, dir)
	if err != nil {
		return nil, err
	}
	return NewKVStoreWithDB(db, logger)
}

// NewKVStoreWithDB wraps an already opened database.
func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) (*KVStore, error) {
	kv := &KVStore{kvDB: kvdb, logger: logger}

	bz, err := kvdb.Get(genKey(tableMeta, metaAuditSeq))
	if err != nil {
		return nil, err
	}
	if len(bz) == 8 {
		kv.auditSeq = binary.BigEndian.Uint64(bz)
	}
	return kv, nil
}

// KVStore persists the engine state: validator records, disputes, applied
// penalties and the append-only audit log.
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger

	auditMtx sync.Mutex
	auditSeq uint64
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

//-----------------------------------------------------------------------------
// validators

// SaveValidators writes all records in one batch.
func (kv *KVStore) SaveValidators(vals []*types.Validator) error {
	batch := kv.kvDB.NewBatch()
	defer batch.Close()

	for _, v := range vals {
		bz, err := tmjson.Marshal(v)
		if err != nil {
			return err
		}
		if err := batch.Set(genKey(tableValidator, v.ID), bz); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (kv *KVStore) LoadValidators() ([]*types.Validator, error) {
	var vals []*types.Validator
	err := kv.iterate(tableValidator, func(_, value []byte) error {
		v := new(types.Validator)
		if err := tmjson.Unmarshal(value, v); err != nil {
			return err
		}
		vals = append(vals, v)
		return nil
	})
	return vals, err
}

//-----------------------------------------------------------------------------
// disputes

func (kv *KVStore) SaveDispute(d *types.Dispute) error {
	bz, err := tmjson.Marshal(d)
	if err != nil {
		return err
	}
	return kv.kvDB.SetSync(genKey(tableDispute, []byte(d.ID.String())), bz)
}

func (kv *KVStore) LoadDisputes() ([]*types.Dispute, error) {
	var disputes []*types.Dispute
	err := kv.iterate(tableDispute, func(_, value []byte) error {
		d := new(types.Dispute)
		if err := tmjson.Unmarshal(value, d); err != nil {
			return err
		}
		disputes = append(disputes, d)
		return nil
	})
	return disputes, err
}

//-----------------------------------------------------------------------------
// penalties

func penaltyKey(penaltyID, validatorID string) []byte {
	return genKey(tablePenalty, penaltyID+"/"+validatorID)
}

func (kv *KVStore) SavePenalty(rec types.PenaltyRecord) error {
	bz, err := tmjson.Marshal(rec)
	if err != nil {
		return err
	}
	return kv.kvDB.SetSync(penaltyKey(rec.PenaltyID, rec.ValidatorID), bz)
}

// GetPenalty returns the record of an applied penalty, or nil.
func (kv *KVStore) GetPenalty(penaltyID, validatorID string) (*types.PenaltyRecord, error) {
	bz, err := kv.kvDB.Get(penaltyKey(penaltyID, validatorID))
	if err != nil || bz == nil {
		return nil, err
	}
	rec := new(types.PenaltyRecord)
	if err := tmjson.Unmarshal(bz, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (kv *KVStore) LoadPenalties() ([]types.PenaltyRecord, error) {
	var recs []types.PenaltyRecord
	err := kv.iterate(tablePenalty, func(_, value []byte) error {
		var rec types.PenaltyRecord
		if err := tmjson.Unmarshal(value, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

//-----------------------------------------------------------------------------
// audit log

// AppendAudit assigns the next sequence number to an event and persists it.
func (kv *KVStore) AppendAudit(name string, at time.Time, data []byte) (types.AuditEvent, error) {
	kv.auditMtx.Lock()
	defer kv.auditMtx.Unlock()

	ev := types.AuditEvent{
		Seq:  kv.auditSeq + 1,
		Name: name,
		Time: at,
		Data: data,
	}
	bz, err := tmjson.Marshal(ev)
	if err != nil {
		return types.AuditEvent{}, err
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()
	if err := batch.Set(genKey(tableAudit, seqBytes(ev.Seq)), bz); err != nil {
		return types.AuditEvent{}, err
	}
	if err := batch.Set(genKey(tableMeta, metaAuditSeq), seqBytes(ev.Seq)); err != nil {
		return types.AuditEvent{}, err
	}
	if err := batch.WriteSync(); err != nil {
		return types.AuditEvent{}, err
	}

	kv.auditSeq = ev.Seq
	return ev, nil
}

// LastAuditSeq returns the sequence number of the newest audit event.
func (kv *KVStore) LastAuditSeq() uint64 {
	kv.auditMtx.Lock()
	defer kv.auditMtx.Unlock()
	return kv.auditSeq
}

// LoadAudit returns up to limit events with Seq >= from, oldest first.
// limit <= 0 means no limit.
func (kv *KVStore) LoadAudit(from uint64, limit int) ([]types.AuditEvent, error) {
	start := genKey(tableAudit, seqBytes(from))
	end := genKey(tableAudit, seqBytes(^uint64(0)))

	itr, err := kv.kvDB.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var events []types.AuditEvent
	for ; itr.Valid(); itr.Next() {
		if limit > 0 && len(events) >= limit {
			break
		}
		var ev types.AuditEvent
		if err := tmjson.Unmarshal(itr.Value(), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, itr.Error()
}

//-----------------------------------------------------------------------------
// meta

func (kv *KVStore) SaveEpoch(epoch types.Epoch) error {
	return kv.kvDB.SetSync(genKey(tableMeta, metaEpoch), seqBytes(uint64(epoch)))
}

// LoadEpoch returns the last saved epoch and whether one was found.
func (kv *KVStore) LoadEpoch() (types.Epoch, bool, error) {
	bz, err := kv.kvDB.Get(genKey(tableMeta, metaEpoch))
	if err != nil || len(bz) != 8 {
		return types.EpochZero, false, err
	}
	return types.Epoch(binary.BigEndian.Uint64(bz)), true, nil
}

//-----------------------------------------------------------------------------

func (kv *KVStore) iterate(table string, fn func(key, value []byte) error) error {
	itr, err := tmdb.IteratePrefix(kv.kvDB, genKey(table, ""))
	if err != nil {
		return err
	}
	defer itr.Close()

	for ; itr.Valid(); itr.Next() {
		if err := fn(itr.Key(), itr.Value()); err != nil {
			kv.logger.Error("corrupt record", "table", table, "key", string(itr.Key()), "err", err)
			return fmt.Errorf("table %s: %w", table, err)
		}
	}
	return itr.Error()
}

func genKey(table string, primaryKey interface{}) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.WriteByte('/')
	switch pk := primaryKey.(type) {
	case string:
		buffer.WriteString(pk)
	case []byte:
		buffer.Write(pk)
	default:
		panic(fmt.Sprintf("unsupported primary key %T", primaryKey))
	}
	return buffer.Bytes()
}

func seqBytes(seq uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, seq)
	return bz
}
