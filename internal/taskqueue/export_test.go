package taskqueue

import "encoding/json"

func jsonBody(task Task) ([]byte, error) {
	return json.Marshal(task)
}
