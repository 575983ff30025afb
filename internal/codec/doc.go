// Package codec converts between telephony audio and linear PCM.
//
// Inbound call audio arrives as 8 kHz G.711 μ-law (one companded byte per
// sample). Transcription wants 16-bit linear PCM at a higher rate wrapped in
// a WAV container, and synthesized speech has to travel the opposite way.
// Everything here is a pure function over byte slices; nothing holds state.
//
// Resampling is nearest-sample selection by rate ratio. Upsampling by an
// integer factor duplicates samples, downsampling drops them. This is lossy
// and aliases, which is acceptable for speech that is about to be
// transcribed or played over an 8 kHz phone line.
package codec
