// Package bookingtest provides test doubles for the booking saga: a manual
// clock, scriptable vendors, a deduplicating payment gateway and a store
// that can simulate a process crash. None of them are for production use.
package bookingtest
