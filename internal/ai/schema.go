package ai

// tradesTable is the only table generated queries may read.
const tradesTable = "wallet_trades"

// tradesSchemaDescription describes the ClickHouse archive used for NL→SQL prompting.
//
// Keep it in sync with storage/migrations/clickhouse/001_wallet_trades.sql.
const tradesSchemaDescription = `
Table: wallet_trades (one row per token leg of a wallet transaction)

Columns:
  - signature     String            -- Solana transaction signature
  - block_time    DateTime          -- Block time of the transaction (UTC)
  - wallet        String            -- Monitored wallet address
  - group_id      Nullable(Int64)   -- Wallet group, NULL when ungrouped
  - type          String            -- "buy" (wallet spent SOL) or "sell" (wallet received SOL)
  - mint          String            -- Token mint address
  - symbol        String            -- Token symbol, "Unknown" when unresolved
  - token_amount  Float64           -- Tokens bought or sold, always positive
  - sol_amount    Float64           -- SOL spent or received by the whole transaction
  - usd_amount    Nullable(Float64) -- USD value of sol_amount at processing time

Notes:
  - A transaction touching several tokens has several rows with the same signature and sol_amount.
    Use uniqExact(signature) to count transactions and avoid summing sol_amount across its rows.
  - Volume in SOL per token: sum(sol_amount) grouped by mint within a single-token filter.
  - Time filters should use block_time, e.g. block_time >= now() - INTERVAL 24 HOUR.
`
