package rpc

import "fmt"

// RPCError represents a JSON-RPC error response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SignatureInfo represents a transaction signature from getSignaturesForAddress
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	Err       interface{} `json:"err"`
	BlockTime *int64      `json:"blockTime"`
}

// SignaturesResponse is the response from getSignaturesForAddress
type SignaturesResponse struct {
	Result []SignatureInfo `json:"result"`
	Error  *RPCError       `json:"error"`
}

// TokenAmount represents token balance information
type TokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       int      `json:"decimals"`
	UIAmountString string   `json:"uiAmountString"`
	UIAmount       *float64 `json:"uiAmount"`
}

// TokenBalance represents a token balance entry
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta contains metadata about a transaction
type TransactionMeta struct {
	Err               interface{}    `json:"err"`
	Fee               int64          `json:"fee"`
	PreBalances       []int64        `json:"preBalances"`
	PostBalances      []int64        `json:"postBalances"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
}

// AccountKey represents an account in a jsonParsed transaction
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// TransactionMessage contains the transaction message
type TransactionMessage struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// Transaction represents a parsed transaction
type Transaction struct {
	Signatures []string           `json:"signatures"`
	Message    TransactionMessage `json:"message"`
}

// TransactionResult contains the full transaction data
type TransactionResult struct {
	Slot        int64            `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction *Transaction     `json:"transaction"`
}

// TransactionResponse is the response from getTransaction
type TransactionResponse struct {
	Result *TransactionResult `json:"result"`
	Error  *RPCError          `json:"error"`
}

// TokenAccountBalanceResponse is the response from getTokenAccountBalance
type TokenAccountBalanceResponse struct {
	Result *struct {
		Value TokenAmount `json:"value"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}
