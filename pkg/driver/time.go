package driver

import (
	"sync"
	"time"
)

// A TimeReference supplies the current time and a cached HTTP date.
type TimeReference interface {
	Now() time.Time
	Date() string
}

type systemTime struct {
	mu   sync.Mutex
	sec  int64
	date string
}

// NewTimeReference returns a TimeReference backed by the system clock. The
// formatted date is recomputed at most once per second.
func NewTimeReference() TimeReference {
	return &systemTime{}
}

func (t *systemTime) Now() time.Time { return time.Now() }

func (t *systemTime) Date() string {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if sec := now.Unix(); sec != t.sec || t.date == "" {
		t.sec = sec
		t.date = string(AppendTime(nil, now))
	}

	return t.date
}

// AppendTime is a non-allocating version of []byte(t.UTC().Format(http.TimeFormat)).
func AppendTime(b []byte, t time.Time) []byte {
	const days = "SunMonTueWedThuFriSat"

	const months = "JanFebMarAprMayJunJulAugSepOctNovDec"

	t = t.UTC()
	yy, mm, dd := t.Date()
	hh, mn, ss := t.Clock()
	day := days[3*t.Weekday():]
	mon := months[3*(mm-1):]

	return append(b,
		day[0], day[1], day[2], ',', ' ',
		byte('0'+dd/10), byte('0'+dd%10), ' ',
		mon[0], mon[1], mon[2], ' ',
		byte('0'+yy/1000), byte('0'+(yy/100)%10), byte('0'+(yy/10)%10), byte('0'+yy%10), ' ',
		byte('0'+hh/10), byte('0'+hh%10), ':',
		byte('0'+mn/10), byte('0'+mn%10), ':',
		byte('0'+ss/10), byte('0'+ss%10), ' ',
		'G', 'M', 'T')
}
