package storage

import (
	"Flownix/internal/model"
	"errors"
	"fmt"
)

// errSenderMismatch is returned when a row's sender does not fit the table layout.
var errSenderMismatch = errors.New("sender identity does not match table layout")

// rowColumns returns the primary key values of a row in column order.
func rowColumns(withSender bool, sender *model.Sender, key model.FlowKey) ([]string, error) {
	if withSender != (sender != nil) {
		return nil, errSenderMismatch
	}
	if !withSender {
		return key.Fields(), nil
	}
	return append([]string{sender.Domain, sender.IP}, key.Fields()...), nil
}

func recordFromColumns(withSender bool, cols []string) (model.TrafficRecord, error) {
	var rec model.TrafficRecord
	if withSender {
		if len(cols) < len(model.SenderColumns) {
			return rec, fmt.Errorf("%w: row has %d columns", model.ErrMalformedKey, len(cols))
		}
		rec.Sender = &model.Sender{Domain: cols[0], IP: cols[1]}
		cols = cols[len(model.SenderColumns):]
	}
	key, err := model.FlowKeyFromFields(cols)
	if err != nil {
		return rec, err
	}
	rec.Key = key
	return rec, nil
}

// keyColumns returns the primary key column names of a table.
func keyColumns(withSender bool) []string {
	if !withSender {
		return model.FlowColumns
	}
	return append(append([]string{}, model.SenderColumns...), model.FlowColumns...)
}
