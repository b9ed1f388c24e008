/*
Package storage defines the Store interface over the durable relational
rows of the core and the transactional handle components use to keep
business mutations, outbox appends, inbox inserts, and audit links atomic.

Two implementations exist:

  - gormstore: MySQL via GORM, the production backend. Write paths rely on
    row-level locks; unique constraints surface as ErrDuplicateKey.
  - memstore: an in-process implementation with the same unique-key
    semantics, used by unit tests and the single-binary dev mode.

Handlers receive a Tx and never open their own transaction; the enclosing
Transact commit is the publish commit for any outbox rows they append.
*/
package storage
