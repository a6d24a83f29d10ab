// Package srt receives Annex-B elementary streams over SRT, either by
// accepting publish connections (Server) or by dialing a remote listener
// (Caller), and feeds them into the ingest registry.
//
// The SRT stream id selects the registry key and, optionally, the codec:
// "live/cam1.hevc" registers key "cam1" carrying HEVC. Without a codec
// suffix the configured default codec is assumed.
package srt
