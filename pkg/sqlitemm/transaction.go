package sqlitemm

import "fmt"

// TxState is the state of a Transaction
type TxState int

// transaction states
const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	}
	return "unknown"
}

// Transaction is an explicit transaction on a connection. The usual pattern is
//
//	tx, err := conn.BeginTransaction()
//	if err != nil {
//		return err
//	}
//	defer tx.Close() // rolls back unless committed
//	... statements ...
//	return tx.Commit()
//
// A committed or rolled back transaction can be started again with Begin.
type Transaction struct {
	conn  *Conn
	state TxState
}

// BeginTransaction starts a transaction. It fails if the connection is already inside one.
func (c *Conn) BeginTransaction() (*Transaction, error) {
	res := &Transaction{conn: c, state: TxRolledBack}
	if err := res.Begin(); err != nil {
		return nil, err
	}
	return res, nil
}

// WithTransaction runs fn inside a transaction, committing if fn returns nil and didn't
// commit or roll back itself. On error, or panic, the transaction is rolled back and the panic propagated.
func (c *Conn) WithTransaction(fn func(tx *Transaction) error) error {
	tx, err := c.BeginTransaction()
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.state != TxActive { // finished by fn
		return nil
	}
	return tx.Commit()
}

// State returns the state of the transaction
func (t *Transaction) State() TxState { return t.state }

// Begin starts the transaction again after commit or rollback.
func (t *Transaction) Begin() error {
	if t.state == TxActive {
		return misuse(opTransaction, "transaction is already active")
	}
	if err := t.conn.Execute("BEGIN"); err != nil {
		return fmt.Errorf("can't begin transaction: %w", err)
	}
	t.state = TxActive
	return nil
}

// Commit commits the transaction. On failure the transaction stays active.
func (t *Transaction) Commit() error {
	if t.state != TxActive {
		return misuse(opTransaction, "can't commit %s transaction", t.state)
	}
	if err := t.conn.Execute("COMMIT"); err != nil {
		return fmt.Errorf("can't commit transaction: %w", err)
	}
	t.state = TxCommitted
	return nil
}

// Rollback rolls the transaction back, unless the connection has nothing to roll back.
// It never fails, errors are logged.
func (t *Transaction) Rollback() {
	t.state = TxRolledBack
	if t.conn.AutoCommit() {
		return
	}
	if err := t.conn.Execute("ROLLBACK"); err != nil {
		t.conn.log.Logf("[WARN] can't rollback transaction, %v", err)
	}
}

// Close rolls back an active transaction and does nothing otherwise. Intended for defer.
func (t *Transaction) Close() {
	if t.state == TxActive {
		t.Rollback()
	}
}
