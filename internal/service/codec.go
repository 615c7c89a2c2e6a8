package service

import (
	"encoding/json"

	"github.com/Klinti13/klint-market-gateway/internal/model"
)

func encodeSession(sess *model.Session) ([]byte, error) {
	return json.Marshal(sess)
}

// decodeSession восстанавливает сессию из блоба. Повреждённые данные
// считаются отсутствующими.
func decodeSession(data []byte) (*model.Session, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false
	}
	if sess.ID == "" {
		return nil, false
	}
	return &sess, true
}
