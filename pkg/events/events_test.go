package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "master mymaster 10.0.0.1 6379",
		Subject("master", "mymaster", "10.0.0.1", 6379, "", "", 0))
	assert.Equal(t, "slave 10.0.0.2:6379 10.0.0.2 6379 @ mymaster 10.0.0.1 6379",
		Subject("slave", "10.0.0.2:6379", "10.0.0.2", 6379, "mymaster", "10.0.0.1", 6379))
}

func TestEventText(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "subject and detail", ev: Event{Type: "+sdown", Subject: "master m 1.1.1.1 1", Detail: "#quorum 2/2"}, want: "master m 1.1.1.1 1 #quorum 2/2"},
		{name: "subject only", ev: Event{Type: "+sdown", Subject: "master m 1.1.1.1 1"}, want: "master m 1.1.1.1 1"},
		{name: "detail only", ev: Event{Type: "+new-epoch", Detail: "5"}, want: "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Text())
		})
	}

	assert.Equal(t, "+new-epoch 5", Event{Type: "+new-epoch", Detail: "5"}.String())
}

func TestBusFanOut(t *testing.T) {
	var first, second []string
	bus := NewBus(SinkFunc(func(e Event) { first = append(first, e.Type) }))
	bus.Subscribe(SinkFunc(func(e Event) { second = append(second, e.Type) }))

	bus.Emit(Event{Level: Warning, Type: "+sdown"})
	bus.Emit(Event{Level: Debug, Type: "+slave"})

	assert.Equal(t, []string{"+sdown", "+slave"}, first)
	assert.Equal(t, []string{"+sdown", "+slave"}, second)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", Debug.String())
	assert.Equal(t, "notice", Notice.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "unknown", Level(9).String())
}
