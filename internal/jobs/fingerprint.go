package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonicalize はパラメータを正規化した JSON に変換します。
// オブジェクトのキーは辞書順に並び、数値はそのままの表記で保持されます。
func Canonicalize(params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Fingerprint はジョブ種別と正規化済みパラメータからキャッシュキー用のハッシュを作ります。
func Fingerprint(jobType string, canonical json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
