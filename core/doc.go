// Package core contains the shared domain types and the error taxonomy used
// by every hearthcore component: sessions and turn state, encrypted memory
// slice handles, plugin and handoff records. Components communicate only
// through these types and the interfaces defined by their consumers; no
// component reaches into another's internal state.
package core
